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

package smtpconn

import (
	"flag"
	"io"
	"io/ioutil"
	"net"
	"os"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/outflowmta/outflow/framework/exterrors"
	"github.com/outflowmta/outflow/framework/log"
)

var (
	debugLog  = flag.Bool("test.debuglog", false, "turn on debug log messages")
	directLog = flag.Bool("test.directlog", false, "log to stderr instead of test log")
)

// testLogger returns a log.Logger that writes to t.Log, unless -test.directlog
// asks for stderr instead (useful when a subprocess goroutine outlives the
// test that started it).
func testLogger(t *testing.T, name string) log.Logger {
	if *directLog {
		return log.Logger{
			Out:   log.WriterOutput(os.Stderr, true),
			Name:  name,
			Debug: *debugLog,
		}
	}

	return log.Logger{
		Out: log.FuncOutput(func(_ time.Time, debug bool, str string) {
			t.Helper()
			str = strings.TrimSuffix(str, "\n")
			if debug {
				str = "[debug] " + str
			}
			t.Log(str)
		}, func() error {
			return nil
		}),
		Name:  name,
		Debug: *debugLog,
	}
}

type smtpMessage struct {
	From string
	Opts smtp.MailOptions
	To   []string
	Data []byte
}

type smtpBackend struct {
	Messages []*smtpMessage

	EnableSMTPUTF8 bool
}

func (be *smtpBackend) NewSession(conn *smtp.Conn) (smtp.Session, error) {
	return &smtpSession{backend: be}, nil
}

func (be *smtpBackend) CheckMsg(t *testing.T, indx int, from string, rcptTo []string) {
	t.Helper()

	if len(be.Messages) <= indx {
		t.Errorf("expected at least %d messages, got %d", indx+1, len(be.Messages))
		return
	}

	msg := be.Messages[indx]
	if msg.From != from {
		t.Errorf("wrong MAIL FROM: %v", msg.From)
	}

	sort.Strings(msg.To)
	sort.Strings(rcptTo)
	if !reflect.DeepEqual(msg.To, rcptTo) {
		t.Errorf("wrong RCPT TO: %v", msg.To)
	}
}

type smtpSession struct {
	backend *smtpBackend
	msg     *smtpMessage
}

func (s *smtpSession) Reset()       { s.msg = &smtpMessage{} }
func (s *smtpSession) Logout() error { return nil }

func (s *smtpSession) Mail(from string, opts *smtp.MailOptions) error {
	s.Reset()
	s.msg.From = from
	s.msg.Opts = *opts
	return nil
}

func (s *smtpSession) Rcpt(to string) error {
	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = b
	s.backend.Messages = append(s.backend.Messages, s.msg)
	return nil
}

// newTestSMTPServer starts an SMTP server on addr, returning the backend it
// records deliveries into alongside the running server.
func newTestSMTPServer(t *testing.T, addr string) (*smtpBackend, *smtp.Server) {
	t.Helper()

	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	be := &smtpBackend{}
	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.AllowInsecureAuth = true

	go func() {
		if err := s.Serve(l); err != nil {
			t.Error(err)
		}
	}()

	// Dial once so Serve has finished its own setup before the caller
	// starts issuing connections of its own.
	testConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	testConn.Close()

	return be, s
}

func checkSMTPConnLeak(t *testing.T, srv *smtp.Server) {
	t.Helper()

	for i := 0; i < 10; i++ {
		found := false
		srv.ForEachConn(func(_ *smtp.Conn) {
			found = true
		})
		if !found {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Error("non-closed connections present after test completion")
}

func checkSMTPErr(t *testing.T, err error, code int, enchCode exterrors.EnhancedCode, msg string) {
	t.Helper()

	if err == nil {
		t.Error("expected an error, got none")
		return
	}

	fields := exterrors.Fields(err)
	if val, _ := fields["smtp_code"].(int); val != code {
		t.Errorf("wrong smtp_code: %v", val)
	}
	if val, _ := fields["smtp_enchcode"].(exterrors.EnhancedCode); val != enchCode {
		t.Errorf("wrong smtp_enchcode: %v", val)
	}
	if val, _ := fields["smtp_msg"].(string); val != msg {
		t.Errorf("wrong smtp_msg: %v", val)
	}
}
