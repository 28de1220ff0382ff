package alerts

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"

	"github.com/datanyx/fungid/internal/config"
	"github.com/datanyx/fungid/internal/telemetry"
)

const smtpDialTimeout = 30 * time.Second

// EmailNotifier sends critical alerts as multipart email. The body is
// composed as markdown and delivered as both text/plain and text/html.
type EmailNotifier struct {
	cfg        config.SMTPConfig
	recipients []string
	logger     *slog.Logger
}

// NewEmailNotifier creates a notifier. Returns nil when SMTP is not
// configured or no recipients are set, which disables email cleanly
// (the Evaluator treats a nil Notifier as no-op).
func NewEmailNotifier(cfg config.SMTPConfig, recipients []string, logger *slog.Logger) *EmailNotifier {
	if !cfg.Configured() || len(recipients) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailNotifier{cfg: cfg, recipients: recipients, logger: logger}
}

// Notify composes and sends the alert email.
func (n *EmailNotifier) Notify(ctx context.Context, a Alert, r telemetry.Reading) error {
	subject := fmt.Sprintf("[fungid] %s alert: %s in chamber %s",
		strings.ToUpper(string(a.Severity)), a.Metric, a.Chamber)

	msg, err := composeMessage(n.cfg.From, n.recipients, subject, alertBody(a, r))
	if err != nil {
		return fmt.Errorf("compose alert email: %w", err)
	}

	if err := sendMail(ctx, n.cfg, n.recipients, msg); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}

	n.logger.Info("alert email sent",
		"chamber", a.Chamber,
		"metric", a.Metric,
		"recipients", len(n.recipients),
	)
	return nil
}

// alertBody renders the alert as markdown.
func alertBody(a Alert, r telemetry.Reading) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Chamber %s needs attention\n\n", a.Chamber)
	fmt.Fprintf(&b, "**%s** — %s\n\n", strings.ToUpper(string(a.Severity)), a.Message)
	fmt.Fprintf(&b, "Species: %s\n\n", r.Species)
	b.WriteString("## Current readings\n\n")
	fmt.Fprintf(&b, "- Temperature: %.1f °C\n", r.TempC)
	fmt.Fprintf(&b, "- Humidity: %.0f%%\n", r.HumidityPct)
	fmt.Fprintf(&b, "- CO2: %.0f ppm\n", r.CO2PPM)
	fmt.Fprintf(&b, "- Substrate moisture: %.0f%%\n", r.SubstrateMoisturePct)
	fmt.Fprintf(&b, "- Water quality index: %.0f/100\n", r.WaterQualityIndex)
	fmt.Fprintf(&b, "\nRaised at %s.\n", a.RaisedAt.Format(time.RFC1123))
	return b.String()
}

// composeMessage builds an RFC 5322 multipart/alternative message with
// text/plain and text/html parts rendered from the markdown body.
func composeMessage(from string, to []string, subject, body string) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message-id: %w", err)
	}
	h.SetSubject(subject)

	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse from address %q: %w", from, err)
	}
	h.SetAddressList("From", []*mail.Address{fromAddr})

	toAddrs := make([]*mail.Address, 0, len(to))
	for _, t := range to {
		addr, err := mail.ParseAddress(t)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", t, err)
		}
		toAddrs = append(toAddrs, addr)
	}
	h.SetAddressList("To", toAddrs)

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline writer: %w", err)
	}

	var ph mail.InlineHeader
	ph.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := tw.CreatePart(ph)
	if err != nil {
		return nil, fmt.Errorf("create plain part: %w", err)
	}
	if _, err := io.WriteString(pw, markdownToPlain(body)); err != nil {
		return nil, fmt.Errorf("write plain part: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("close plain part: %w", err)
	}

	htmlBody, err := markdownToHTML(body)
	if err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	var hh mail.InlineHeader
	hh.Set("Content-Type", "text/html; charset=utf-8")
	hw, err := tw.CreatePart(hh)
	if err != nil {
		return nil, fmt.Errorf("create html part: %w", err)
	}
	if _, err := io.WriteString(hw, htmlBody); err != nil {
		return nil, fmt.Errorf("write html part: %w", err)
	}
	if err := hw.Close(); err != nil {
		return nil, fmt.Errorf("close html part: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}

	return buf.Bytes(), nil
}

// markdownToHTML renders markdown to a self-contained HTML document
// with no external resources.
func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, buf.String()), nil
}

// markdownToPlain strips the light markdown used in alert bodies.
// Headings and emphasis markers go; list markers stay readable as-is.
func markdownToPlain(md string) string {
	var out []string
	for _, line := range strings.Split(md, "\n") {
		line = strings.TrimLeft(line, "#")
		line = strings.ReplaceAll(line, "**", "")
		out = append(out, strings.TrimSpace(line))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// sendMail connects, authenticates, and delivers one message. Each
// call opens its own connection. Port 465 means implicit TLS; any
// other port connects plain and upgrades with STARTTLS.
func sendMail(ctx context.Context, cfg config.SMTPConfig, recipients []string, msg []byte) error {
	addr := cfg.Addr()

	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var client *smtp.Client
	if cfg.Port == 465 {
		tlsCfg := &tls.Config{ServerName: cfg.Host}
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
		if err != nil {
			return fmt.Errorf("dial SMTPS %s: %w", addr, err)
		}
		client, err = smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
	} else {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("dial SMTP %s: %w", addr, err)
		}
		client, err = smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("create SMTP client on %s: %w", addr, err)
		}
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}

	if cfg.Port != 465 {
		tlsCfg := &tls.Config{ServerName: cfg.Host}
		if err := client.StartTLS(tlsCfg); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}

	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	from := bareAddress(cfg.From)
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(bareAddress(rcpt)); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close DATA: %w", err)
	}

	return client.Quit()
}

// bareAddress extracts "addr" from "Name <addr>" forms.
func bareAddress(s string) string {
	if end := strings.LastIndexByte(s, '>'); end > 0 {
		if start := strings.LastIndexByte(s[:end], '<'); start >= 0 {
			return s[start+1 : end]
		}
	}
	return strings.TrimSpace(s)
}
