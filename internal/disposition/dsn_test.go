/*
OutFlow MTA - high-throughput outbound mail transfer agent.
Copyright © 2024 OutFlow MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package disposition

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/outflowmta/outflow/internal/id"
	"github.com/outflowmta/outflow/internal/message"
)

type fakeReinjector struct {
	mu        sync.Mutex
	calls     int
	queueName string
	msg       *message.Message
}

func (f *fakeReinjector) Reinject(queueName string, msg *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.queueName = queueName
	f.msg = msg
	return nil
}

func (f *fakeReinjector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestBounceGeneratesReturnedMailNotification(t *testing.T) {
	dir := t.TempDir()
	reinj := &fakeReinjector{}
	logger, err := NewLogger(Config{Dir: dir, RotateInterval: time.Hour, Hostname: "mx.example.org", Reinject: reinj})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	msg, _ := newTestMessage(t, []string{"rcpt@dest.example"})
	logger.Bounce(context.Background(), msg, "rcpt@dest.example", &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "no such user",
	})

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if reinj.callCount() != 1 {
		t.Fatalf("expected exactly one notification to be reinjected, got %d", reinj.callCount())
	}

	notif := reinj.msg
	if notif.EnvelopeSender() != "" {
		t.Fatalf("notification must carry no envelope sender, got %q", notif.EnvelopeSender())
	}
	rcpts := notif.Recipients()
	if len(rcpts) != 1 || rcpts[0] != "sender@src.example" {
		t.Fatalf("expected notification addressed to original sender, got %v", rcpts)
	}

	body, err := notif.Body()
	if err != nil {
		t.Fatalf("notification Body: %v", err)
	}
	if !bytes.Contains(body, []byte("Returned mail")) {
		t.Fatalf("notification missing Subject: Returned mail:\n%s", body)
	}
	if !bytes.Contains(body, []byte("hello")) {
		t.Fatalf("notification does not embed full original message body:\n%s", body)
	}
	if !bytes.Contains(body, []byte("no such user")) {
		t.Fatalf("notification missing diagnostic code:\n%s", body)
	}
}

// TestBounceOfNotificationDoesNotGenerateAnotherNotification exercises the
// "NDR of NDR is not generated" property: a message with no envelope
// sender is, by construction, itself a previously generated notification,
// and bouncing it must never produce a second one.
func TestBounceOfNotificationDoesNotGenerateAnotherNotification(t *testing.T) {
	dir := t.TempDir()
	reinj := &fakeReinjector{}
	logger, err := NewLogger(Config{Dir: dir, RotateInterval: time.Hour, Hostname: "mx.example.org", Reinject: reinj})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	notifID, err := id.New()
	if err != nil {
		t.Fatalf("id.New: %v", err)
	}
	notif := message.NewFromParts(notifID, "", []string{"postmaster@dest.example"}, []byte("a notification body"), nil)

	logger.Bounce(context.Background(), notif, "postmaster@dest.example", &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "mailbox unavailable",
	})

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if reinj.callCount() != 0 {
		t.Fatalf("expected no notification generated for a bounced notification, got %d", reinj.callCount())
	}
}

func TestNoReinjectorConfiguredSkipsNotificationSilently(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(Config{Dir: dir, RotateInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	msg, _ := newTestMessage(t, []string{"rcpt@dest.example"})
	logger.Bounce(context.Background(), msg, "rcpt@dest.example", &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "no such user",
	})

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestAdminBounceGeneratesReturnedMailNotification(t *testing.T) {
	dir := t.TempDir()
	reinj := &fakeReinjector{}
	logger, err := NewLogger(Config{Dir: dir, RotateInterval: time.Hour, Hostname: "mx.example.org", Reinject: reinj})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	loader := newMemLoader()
	remover := &memRemover{}

	msg, msgID := newTestMessage(t, []string{"a@dest.example"})
	meta, err := msg.MetaSnapshot()
	if err != nil {
		t.Fatalf("MetaSnapshot: %v", err)
	}
	body, err := msg.Body()
	if err != nil {
		t.Fatalf("Body: %v", err)
	}
	loader.put(msgID, body, meta)

	bouncer := &AdminBouncer{Logger: logger, Loader: loader, Remove: remover}
	if err := bouncer.Bounce(context.Background(), msgID, "operator requested"); err != nil {
		t.Fatalf("Bounce: %v", err)
	}

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if reinj.callCount() != 1 {
		t.Fatalf("expected exactly one notification for admin bounce, got %d", reinj.callCount())
	}
	body, err = reinj.msg.Body()
	if err != nil {
		t.Fatalf("notification Body: %v", err)
	}
	if !bytes.Contains(body, []byte("operator requested")) {
		t.Fatalf("notification missing operator reason:\n%s", body)
	}
}
