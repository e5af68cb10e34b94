// campaignctl 管理 campaign 和附件的命令行工具（HTTP 网关之外的运维入口）
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"campaignmailer/internal/attachcache"
	"campaignmailer/internal/blobstore"
	"campaignmailer/internal/config"
	"campaignmailer/internal/quota"
	"campaignmailer/internal/repository"
	"campaignmailer/internal/service"
	"campaignmailer/pkg/credseal"
	"campaignmailer/pkg/db"
	"campaignmailer/pkg/logger"
	pkgmq "campaignmailer/pkg/mq"
	"campaignmailer/pkg/outbox"
	"campaignmailer/pkg/redis"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := context.Background()
	log := logger.NewLogger()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		fatalf("load config: %v", err)
	}

	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		fatalf("db: %v", err)
	}
	defer dbConn.Close()

	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		fatalf("redis: %v", err)
	}
	defer rdb.Close()

	blobs, err := blobstore.NewS3Store(ctx, cfg.S3, log)
	if err != nil {
		fatalf("blob store: %v", err)
	}
	limiter, err := quota.NewLimiter(rdb, cfg.Quota)
	if err != nil {
		fatalf("quota: %v", err)
	}

	campaigns := service.NewCampaignService(dbConn, blobs.WithPrefix("csv-uploads/"), limiter, log)
	attachments := service.NewAttachmentService(dbConn, blobs.WithPrefix("attachments/"),
		attachcache.New(rdb, cfg.Cache.AttachmentTTL, log), cfg.Attachments.MaxPerUser, log)
	templates := service.NewTemplateService(dbConn, log)

	sub, args := os.Args[1], os.Args[2:]
	switch sub {
	case "submit":
		fs := flag.NewFlagSet("submit", flag.ExitOnError)
		user := fs.String("user", os.Getenv("USER_ID"), "owner user id")
		name := fs.String("name", "", "campaign name")
		file := fs.String("file", "", "recipient list (.csv or .xlsx)")
		subject := fs.String("subject", "", "subject (overrides template)")
		body := fs.String("body", "", "plain text body (overrides template)")
		templateID := fs.String("template", "", "template id")
		attach := fs.String("attachments", "", "comma-separated attachment ids")
		start := fs.String("start", "", "start time, RFC3339 (default now)")
		tz := fs.String("tz", "UTC", "timezone")
		_ = fs.Parse(args)

		data, err := os.ReadFile(*file)
		if err != nil {
			fatalf("read %s: %v", *file, err)
		}
		req := service.SubmitRequest{
			UserID:        *user,
			Name:          *name,
			Subject:       *subject,
			Body:          *body,
			AttachmentIDs: splitIDs(*attach),
			Timezone:      *tz,
			Filename:      filepath.Base(*file),
			MimeType:      detectMime(*file, data),
			Data:          data,
		}
		if *templateID != "" {
			req.TemplateID = templateID
		}
		if *start != "" {
			req.StartTime, err = parseStart(*start, *tz)
			if err != nil {
				fatalf("invalid -start: %v", err)
			}
		}
		c, err := campaigns.Submit(ctx, req)
		if err != nil {
			fatalf("submit: %v", err)
		}
		printJSON(c)

	case "status":
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		user := fs.String("user", os.Getenv("USER_ID"), "owner user id")
		id := fs.String("id", "", "campaign id")
		_ = fs.Parse(args)
		p, err := campaigns.Progress(ctx, *id, *user)
		if err != nil {
			fatalf("status: %v", err)
		}
		printJSON(p)

	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		user := fs.String("user", os.Getenv("USER_ID"), "owner user id")
		limit := fs.Int("limit", 20, "max campaigns")
		offset := fs.Int("offset", 0, "offset")
		_ = fs.Parse(args)
		list, err := campaigns.List(ctx, *user, *limit, *offset)
		if err != nil {
			fatalf("list: %v", err)
		}
		printJSON(list)

	case "usage":
		fs := flag.NewFlagSet("usage", flag.ExitOnError)
		user := fs.String("user", os.Getenv("USER_ID"), "owner user id")
		_ = fs.Parse(args)
		u, err := campaigns.Usage(ctx, *user)
		if err != nil {
			fatalf("usage: %v", err)
		}
		printJSON(u)

	case "attach-upload":
		fs := flag.NewFlagSet("attach-upload", flag.ExitOnError)
		user := fs.String("user", os.Getenv("USER_ID"), "owner user id")
		file := fs.String("file", "", "file to upload")
		_ = fs.Parse(args)
		data, err := os.ReadFile(*file)
		if err != nil {
			fatalf("read %s: %v", *file, err)
		}
		a, err := attachments.Upload(ctx, *user, filepath.Base(*file), detectMime(*file, data), data)
		if err != nil {
			fatalf("upload: %v", err)
		}
		printJSON(a)

	case "attach-list":
		fs := flag.NewFlagSet("attach-list", flag.ExitOnError)
		user := fs.String("user", os.Getenv("USER_ID"), "owner user id")
		_ = fs.Parse(args)
		list, err := attachments.List(ctx, *user)
		if err != nil {
			fatalf("attach-list: %v", err)
		}
		printJSON(list)

	case "attach-delete":
		fs := flag.NewFlagSet("attach-delete", flag.ExitOnError)
		user := fs.String("user", os.Getenv("USER_ID"), "owner user id")
		id := fs.String("id", "", "attachment id")
		_ = fs.Parse(args)
		if err := attachments.Delete(ctx, *id, *user); err != nil {
			fatalf("attach-delete: %v", err)
		}
		fmt.Println("deleted", *id)

	case "template-create", "template-update":
		fs := flag.NewFlagSet(sub, flag.ExitOnError)
		user := fs.String("user", os.Getenv("USER_ID"), "owner user id")
		id := fs.String("id", "", "template id (template-update only)")
		name := fs.String("name", "", "template name")
		subject := fs.String("subject", "", "subject, may contain {{placeholders}}")
		bodyFile := fs.String("body-file", "", "file with the body, may contain {{placeholders}}")
		_ = fs.Parse(args)

		body, err := os.ReadFile(*bodyFile)
		if err != nil {
			fatalf("read %s: %v", *bodyFile, err)
		}
		in := service.TemplateInput{Name: *name, Subject: *subject, Body: string(body)}
		var t any
		if sub == "template-create" {
			t, err = templates.Create(ctx, *user, in)
		} else {
			t, err = templates.Update(ctx, *id, *user, in)
		}
		if err != nil {
			fatalf("%s: %v", sub, err)
		}
		printJSON(t)

	case "template-list":
		fs := flag.NewFlagSet("template-list", flag.ExitOnError)
		user := fs.String("user", os.Getenv("USER_ID"), "owner user id")
		_ = fs.Parse(args)
		list, err := templates.List(ctx, *user)
		if err != nil {
			fatalf("template-list: %v", err)
		}
		printJSON(list)

	case "template-delete":
		fs := flag.NewFlagSet("template-delete", flag.ExitOnError)
		user := fs.String("user", os.Getenv("USER_ID"), "owner user id")
		id := fs.String("id", "", "template id")
		_ = fs.Parse(args)
		if err := templates.Delete(ctx, *id, *user); err != nil {
			fatalf("template-delete: %v", err)
		}
		fmt.Println("deleted", *id)

	case "set-credentials":
		fs := flag.NewFlagSet("set-credentials", flag.ExitOnError)
		user := fs.String("user", os.Getenv("USER_ID"), "user id")
		appPassword := fs.String("app-password", "", "SMTP app password")
		refreshToken := fs.String("refresh-token", "", "OAuth refresh token")
		_ = fs.Parse(args)

		sealer, err := credseal.New(cfg.Mail.CredentialKey)
		if err != nil {
			fatalf("credential key: %v", err)
		}
		if !sealer.Enabled() {
			log.Warn("CREDENTIAL_KEY not set, storing credentials as plaintext")
		}
		var pw, token *string
		if *appPassword != "" {
			pw = appPassword
		}
		if *refreshToken != "" {
			token = refreshToken
		}
		if pw == nil && token == nil {
			fatalf("set-credentials: -app-password or -refresh-token is required")
		}
		if err := repository.NewUserRepository(dbConn, sealer).SetCredentials(ctx, *user, pw, token); err != nil {
			fatalf("set-credentials: %v", err)
		}
		fmt.Println("updated", *user)

	case "replay-outbox":
		fs := flag.NewFlagSet("replay-outbox", flag.ExitOnError)
		campaignID := fs.String("campaign", "", "replay only this campaign's parse event")
		limit := fs.Int("limit", 100, "max events to replay")
		_ = fs.Parse(args)
		publisher, err := pkgmq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			fatalf("mq: %v", err)
		}
		defer publisher.Close()

		replay := outbox.NewReplayService(outbox.NewRepository(dbConn), publisher, cfg.Outbox.MaxRetries, log)
		var n int
		if *campaignID != "" {
			n, err = replay.ReplayAggregate(ctx, "campaign", *campaignID)
		} else {
			n, err = replay.ReplayFailedEvents(ctx, *limit)
		}
		log.Info("Replayed outbox events", zap.Int("count", n))
		if err != nil {
			fatalf("replay: %v", err)
		}

	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: campaignctl <command> [flags]

commands:
  submit         upload a recipient list and create a campaign
  status         show one campaign
  list           list campaigns, newest first
  usage          show today's send quota
  attach-upload  upload a shared attachment (max per user applies)
  attach-list    list attachments
  attach-delete  delete an attachment
  template-create / template-update / template-list / template-delete
                 manage subject/body templates
  set-credentials store a sender's app password or refresh token (sealed)
  replay-outbox  re-publish failed campaign.parse events (-campaign for one)`)
}

func splitIDs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseStart 支持 RFC3339，或按 tz 解释的 "2006-01-02 15:04"
func parseStart(s, tz string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	return time.ParseInLocation("2006-01-02 15:04", s, loc)
}

func detectMime(name string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
