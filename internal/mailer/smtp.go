package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"campaignmailer/internal/apperr"
	"campaignmailer/pkg/logger"
)

// SMTPTransport 使用发件人自己的邮箱账号发送（如 smtp.gmail.com:587）
type SMTPTransport struct {
	host    string
	port    int
	oauth   *oauth2.Config
	timeout time.Duration
	tls     *tls.Config
	logger  *zap.Logger
}

// NewSMTPTransport oauth 为 nil 时只支持应用密码
func NewSMTPTransport(host string, port int, oauth *oauth2.Config, logger *zap.Logger) *SMTPTransport {
	if port == 0 {
		port = 587
	}
	return &SMTPTransport{
		host:    host,
		port:    port,
		oauth:   oauth,
		timeout: 30 * time.Second,
		tls:     &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
		logger:  logger,
	}
}

func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	auth, err := t.auth(ctx, msg)
	if err != nil {
		return err
	}

	raw, err := BuildMIME(msg)
	if err != nil {
		return &apperr.SendError{Reason: "build message", Err: err}
	}

	if err := t.deliver(ctx, auth, msg.From.Address, msg.To, raw); err != nil {
		return classifySMTPError(err)
	}

	t.logger.Debug("SMTP accepted message", logger.Recipient(msg.To))
	return nil
}

func (t *SMTPTransport) auth(ctx context.Context, msg *Message) (smtp.Auth, error) {
	creds := msg.Credentials
	switch {
	case creds.RefreshToken != "" && t.oauth != nil:
		tok, err := t.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
		if err != nil {
			var re *oauth2.RetrieveError
			if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
				// refresh token 失效，需要用户重新授权
				return nil, &apperr.SendError{Reason: "oauth token revoked", Err: err}
			}
			return nil, &apperr.SendError{Reason: "oauth token refresh", Retryable: true, Err: err}
		}
		return &xoauth2Auth{username: msg.From.Address, token: tok.AccessToken}, nil
	case creds.AppPassword != "":
		return smtp.PlainAuth("", msg.From.Address, creds.AppPassword, t.host), nil
	default:
		return nil, &apperr.SendError{Reason: "sender has no mail credentials"}
	}
}

func (t *SMTPTransport) deliver(ctx context.Context, auth smtp.Auth, from, to string, raw []byte) error {
	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))
	dialer := &net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, t.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(t.tls); err != nil {
			return err
		}
	}
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// classifySMTPError 4xx 为临时错误，5xx 为永久错误，网络错误可重试
func classifySMTPError(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		reason := fmt.Sprintf("smtp %d", tpErr.Code)
		return &apperr.SendError{Reason: reason, Retryable: tpErr.Code >= 400 && tpErr.Code < 500, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &apperr.SendError{Reason: "canceled", Err: err}
	}
	return &apperr.SendError{Reason: "smtp connection", Retryable: true, Err: err}
}

// xoauth2Auth 实现 SMTP XOAUTH2 (Gmail / Outlook)
type xoauth2Auth struct {
	username string
	token    string
}

func (a *xoauth2Auth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, errors.New("xoauth2 requires an encrypted connection")
	}
	resp := []byte("user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01")
	return "XOAUTH2", resp, nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		// 服务器返回错误详情（JSON），回复空行以结束交换
		return []byte{}, nil
	}
	return nil, nil
}
