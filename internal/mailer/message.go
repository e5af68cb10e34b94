// Package mailer 构建 MIME 邮件并通过 SES 或 SMTP 发送。
package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Transport 发信通道
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// Credentials 发件人的 SMTP 凭据；RefreshToken 优先（XOAUTH2），否则使用应用密码
type Credentials struct {
	RefreshToken string
	AppPassword  string
}

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Message struct {
	From        mail.Address
	To          string
	Subject     string
	Body        string // 纯文本
	Attachments []Attachment
	Headers     map[string]string
	Credentials Credentials
}

// BuildMIME 生成 RFC 5322 邮件；有附件时为 multipart/mixed
func BuildMIME(msg *Message) ([]byte, error) {
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}

	var buf bytes.Buffer
	h := textproto.MIMEHeader{}
	h.Set("From", msg.From.String())
	h.Set("To", to.String())
	h.Set("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	h.Set("Date", time.Now().Format(time.RFC1123Z))
	h.Set("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(msg.From.Address)))
	h.Set("MIME-Version", "1.0")
	for k, v := range msg.Headers {
		h.Set(k, v)
	}

	if len(msg.Attachments) == 0 {
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		writeHeader(&buf, h)
		if err := writeQP(&buf, msg.Body); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	h.Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	// header 必须先于 part 写入
	var head bytes.Buffer
	writeHeader(&head, h)

	textPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, err
	}
	if err := writeQP(textPart, msg.Body); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		ct := att.ContentType
		if ct == "" {
			ct = mime.TypeByExtension(filepath.Ext(att.Filename))
		}
		if ct == "" {
			ct = "application/octet-stream"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(ct, map[string]string{"name": att.Filename})},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64(part, att.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	return append(head.Bytes(), buf.Bytes()...), nil
}

var headerOrder = []string{"From", "To", "Subject", "Date", "Message-Id", "Mime-Version", "Content-Type", "Content-Transfer-Encoding"}

func writeHeader(buf *bytes.Buffer, h textproto.MIMEHeader) {
	written := map[string]bool{}
	for _, k := range headerOrder {
		if v := h.Get(k); v != "" {
			fmt.Fprintf(buf, "%s: %s\r\n", k, v)
			written[k] = true
		}
	}
	for k, vs := range h {
		if written[k] {
			continue
		}
		for _, v := range vs {
			fmt.Fprintf(buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
}

func writeQP(w io.Writer, body string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

// writeBase64 每行 76 个字符
func writeBase64(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := fmt.Fprintf(w, "%s\r\n", enc[:76]); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := fmt.Fprintf(w, "%s\r\n", enc)
	return err
}

func domainOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[i+1:]
		}
	}
	return "localhost"
}
