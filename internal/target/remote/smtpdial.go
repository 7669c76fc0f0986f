package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"
)

// smtpConn is one live outbound SMTP connection, wrapping stdlib
// net/smtp.Client for the connect/EHLO/STARTTLS/DATA lifecycle while
// using its exported Text field (a *textproto.Conn) to issue MAIL FROM
// and RCPT TO with the extension parameters spec §6.3 requires
// (SIZE/RET/ENVID/BY/AUTH/HOLDFOR/HOLDUNTIL/MT-PRIORITY, NOTIFY/ORCPT/
// RRVS) verbatim — parameters net/smtp's own Mail()/Rcpt() helpers
// don't expose. This is used in place of the teacher's
// github.com/emersion/go-smtp client: that library backs a full inbound
// SMTP session state machine, an explicit spec Non-goal, and pulling it
// in only for its outbound Client half would add a whole server-side
// dependency surface this module never otherwise touches.
type smtpConn struct {
	client  *smtp.Client
	conn    net.Conn
	host    string
	usedTLS bool
}

// dialSMTP connects to addr, issues EHLO as heloName, and returns a live
// connection ready for StartTLS/MailFrom.
func dialSMTP(ctx context.Context, dialer *net.Dialer, addr, host, heloName string, connectTimeout time.Duration) (*smtpConn, error) {
	dialCtx := ctx
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := client.Hello(heloName); err != nil {
		client.Close()
		return nil, err
	}
	return &smtpConn{client: client, conn: conn, host: host}, nil
}

// SupportsSTARTTLS reports whether the server advertised STARTTLS in
// its EHLO response.
func (s *smtpConn) SupportsSTARTTLS() bool {
	ok, _ := s.client.Extension("STARTTLS")
	return ok
}

// StartTLS negotiates STARTTLS and re-issues EHLO per spec §6.3 ("the
// client re-issues EHLO after the TLS handshake").
func (s *smtpConn) StartTLS(cfg *tls.Config, heloName string) error {
	if err := s.client.StartTLS(cfg); err != nil {
		return err
	}
	s.usedTLS = true
	return s.client.Hello(heloName)
}

// cmd issues a raw command and expects a reply whose first two digits
// match expectCode (net/textproto's ReadResponse semantics), returning
// the server's response text.
func (s *smtpConn) cmd(expectCode int, line string) (string, error) {
	id, err := s.client.Text.Cmd("%s", line)
	if err != nil {
		return "", err
	}
	s.client.Text.StartResponse(id)
	defer s.client.Text.EndResponse(id)
	_, msg, err := s.client.Text.ReadResponse(expectCode)
	return msg, err
}

// MailFrom issues MAIL FROM:<addr> with the caller-supplied,
// already-formatted parameter string (e.g. "SIZE=1024 RET=HDRS")
// appended verbatim, per spec §6.3.
func (s *smtpConn) MailFrom(addr, params string) error {
	line := fmt.Sprintf("MAIL FROM:<%s>", addr)
	if params != "" {
		line += " " + params
	}
	_, err := s.cmd(25, line)
	return err
}

// RcptTo issues RCPT TO:<addr> with caller-supplied parameters
// (NOTIFY/ORCPT/RRVS), per spec §6.3.
func (s *smtpConn) RcptTo(addr, params string) error {
	line := fmt.Sprintf("RCPT TO:<%s>", addr)
	if params != "" {
		line += " " + params
	}
	_, err := s.cmd(25, line)
	return err
}

// Data streams header+body as the DATA payload, using the stdlib's
// dot-stuffing writer and terminating with the standard "\r\n.\r\n".
func (s *smtpConn) Data(headerBytes, bodyBytes []byte) error {
	w, err := s.client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		w.Close()
		return err
	}
	if _, err := w.Write(bodyBytes); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Quit sends QUIT and closes the underlying connection.
func (s *smtpConn) Quit() error {
	return s.client.Quit()
}

// Close tears the connection down without a clean QUIT, used on error
// paths and always deferred right after a successful dial.
func (s *smtpConn) Close() error {
	return s.client.Close()
}
