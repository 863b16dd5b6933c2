// Package mail defines the outbound email transport used by the notification queue.
package mail

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// Message 발송할 이메일
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Transport 이메일 발송 수단. 실패는 큐가 재시도한다.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// LogTransport 실제 발송 없이 로그만 남기는 개발용 Transport
type LogTransport struct {
	log zerolog.Logger
}

// NewLogTransport creates a LogTransport
func NewLogTransport(log zerolog.Logger) *LogTransport {
	return &LogTransport{log: log}
}

func (t *LogTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.log.Info().
		Str("to", maskAddress(msg.To)).
		Str("subject", msg.Subject).
		Int("html_bytes", len(msg.HTML)).
		Int("text_bytes", len(msg.Text)).
		Msg("email sent (log transport)")
	return nil
}

// maskAddress f***@example.com
func maskAddress(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "***"
	}
	return addr[:1] + "***" + addr[at:]
}
