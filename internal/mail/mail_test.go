package mail

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratticdb/rattic/internal/config"
	"github.com/ratticdb/rattic/internal/metrics"
)

// fakeSMTP accepts one session and captures the envelope and data.
type fakeSMTP struct {
	ln    net.Listener
	exts  []string
	auth  string
	rcpts []string
	from  string
	data  string
	done  chan struct{}
}

func startFakeSMTP(t *testing.T, exts ...string) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeSMTP{ln: ln, exts: exts, done: make(chan struct{})}
	t.Cleanup(func() { _ = ln.Close() })
	go f.serve()
	return f
}

func (f *fakeSMTP) serve() {
	defer close(f.done)
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
	reply("220 localhost ESMTP")

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		upper := strings.ToUpper(cmd)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			if len(f.exts) == 0 {
				reply("250 localhost")
				continue
			}
			reply("250-localhost")
			for i, ext := range f.exts {
				if i == len(f.exts)-1 {
					reply("250 " + ext)
				} else {
					reply("250-" + ext)
				}
			}
		case strings.HasPrefix(upper, "AUTH "):
			f.auth = cmd
			reply("235 2.7.0 Authentication successful")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			f.from = strings.Trim(cmd[len("MAIL FROM:"):], "<> ")
			reply("250 OK")
		case strings.HasPrefix(upper, "RCPT TO:"):
			f.rcpts = append(f.rcpts, strings.Trim(cmd[len("RCPT TO:"):], "<> "))
			reply("250 OK")
		case upper == "DATA":
			reply("354 go ahead")
			var b strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				b.WriteString(l)
			}
			f.data = b.String()
			reply("250 queued")
		case upper == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func (f *fakeSMTP) config() config.EmailConfig {
	addr := f.ln.Addr().(*net.TCPAddr)
	return config.EmailConfig{Host: "127.0.0.1", Port: addr.Port}
}

func sendCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSMTPSender_Send(t *testing.T) {
	srv := startFakeSMTP(t)
	rec := metrics.NewInMemory()
	sender := NewSMTPSender(srv.config(), "ratticdb@rattic.example.com", rec)
	sender.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }

	err := sender.Send(sendCtx(t), Message{
		To:      []string{"alice@example.com", "bob@example.com"},
		Subject: "Passwords to change",
		Body:    "ops:\n  - db root\n",
	})
	require.NoError(t, err)
	<-srv.done

	assert.Equal(t, "ratticdb@rattic.example.com", srv.from)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, srv.rcpts)
	assert.Empty(t, srv.auth, "no credentials configured")
	assert.Contains(t, srv.data, "Subject: Passwords to change\r\n")
	assert.Contains(t, srv.data, "alice@example.com")
	assert.Contains(t, srv.data, "Date: Fri, 01 Mar 2024 09:00:00")
	assert.Contains(t, srv.data, "ops:\r\n  - db root")
	assert.Equal(t, uint64(1), rec.Snapshot().MailSent["sent"])
}

func TestSMTPSender_AuthWithoutTLSToRemoteRelay(t *testing.T) {
	srv := startFakeSMTP(t, "AUTH PLAIN LOGIN")
	cfg := srv.config()
	cfg.Host = "smtp.corp.example.com"
	cfg.Username = "rattic"
	cfg.Password = "s3cret"

	sender := NewSMTPSender(cfg, "ratticdb@rattic.example.com", nil)
	sender.dial = func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, srv.ln.Addr().String())
	}

	require.NoError(t, sender.Send(sendCtx(t), Message{To: []string{"alice@example.com"}, Subject: "x", Body: "y"}))
	<-srv.done

	fields := strings.Fields(srv.auth)
	require.Len(t, fields, 3, "AUTH PLAIN with an initial response: %q", srv.auth)
	decoded, err := base64.StdEncoding.DecodeString(fields[2])
	require.NoError(t, err)
	assert.Equal(t, "\x00rattic\x00s3cret", string(decoded))
	assert.Equal(t, []string{"alice@example.com"}, srv.rcpts)
}

func TestSMTPSender_EncodesSubject(t *testing.T) {
	srv := startFakeSMTP(t)
	sender := NewSMTPSender(srv.config(), "from@example.com", nil)

	require.NoError(t, sender.Send(sendCtx(t), Message{
		To:      []string{"a@example.com"},
		Subject: "Mots de passe à changer",
		Body:    "x",
	}))
	<-srv.done

	assert.Contains(t, strings.ToLower(srv.data), "subject: =?utf-8?q?")
}

func TestSMTPSender_Failures(t *testing.T) {
	rec := metrics.NewInMemory()

	sender := NewSMTPSender(config.EmailConfig{Host: "127.0.0.1", Port: 1}, "from@example.com", rec)
	err := sender.Send(context.Background(), Message{Subject: "x"})
	assert.ErrorIs(t, err, ErrNoRecipients)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	sender = NewSMTPSender(config.EmailConfig{Host: "127.0.0.1", Port: port}, "from@example.com", rec)
	err = sender.Send(sendCtx(t), Message{To: []string{"a@example.com"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send via 127.0.0.1:"+strconv.Itoa(port))

	sender = NewSMTPSender(config.EmailConfig{Host: "127.0.0.1", Port: port}, "not an address", rec)
	err = sender.Send(sendCtx(t), Message{To: []string{"a@example.com"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from address")

	assert.Equal(t, uint64(3), rec.Snapshot().MailSent["failed"])
}
