// Package auth implements startup negotiation: SSL negotiation, startup
// packet parsing, host-based-access evaluation, and the MD5/SCRAM/JWT
// authentication exchanges (SPEC_FULL.md §4.3 / spec.md §4.3).
package auth

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/pgvoyage/pgvoyage/internal/hba"
	"github.com/pgvoyage/pgvoyage/internal/perr"
	"github.com/pgvoyage/pgvoyage/internal/wire"
)

// recognizedStartupParams are the optional startup parameters the pooler
// tracks and later re-synchronizes to servers (SPEC_FULL.md §4.4).
var recognizedStartupParams = map[string]bool{
	"application_name":   true,
	"client_encoding":     true,
	"DateStyle":           true,
	"TimeZone":            true,
	"extra_float_digits": true,
}

// Result is the outcome of a successful Negotiate call: everything the
// client session FSM (C5) needs to begin routing traffic.
type Result struct {
	Conn      net.Conn
	Reader    *wire.Reader
	Writer    *wire.Writer
	TLS       bool
	Database  string
	User      string
	Params    map[string]string
	ProcessID int32
	SecretKey int32
	IsAdmin   bool
}

// CredentialSource supplies the stored credentials Negotiate checks client
// responses against.
type CredentialSource interface {
	Password(user string) (string, bool)
	ScramSecret(user string) (ScramSecret, bool)
	JWTConfig() JWTConfig
}

// Config bundles everything Negotiate needs beyond the raw connection.
type Config struct {
	TLSConfig   *tls.Config
	HBA         *hba.Table
	PoolExists  func(database, user string) bool
	AdminUsers  map[string]bool
	Credentials CredentialSource
	MaxSSLAttempts int
}

// Negotiate drives the six ordered steps of spec.md §4.3 against a freshly
// accepted TCP connection.
func Negotiate(conn net.Conn, cfg Config) (*Result, error) {
	tlsUsed := false
	maxAttempts := cfg.MaxSSLAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}

	cur := conn
	reader := wire.NewReader(cur)
	writer := wire.NewWriter(cur, nil)

	var params map[string]string
	for attempt := 0; ; attempt++ {
		msg, err := reader.NextUntagged()
		if err != nil {
			return nil, err
		}
		if len(msg.Payload) < 4 {
			return nil, fmt.Errorf("auth: startup payload too short")
		}
		code := binary.BigEndian.Uint32(msg.Payload[:4])

		switch code {
		case wire.SSLRequestCode:
			if attempt >= maxAttempts {
				return nil, fmt.Errorf("auth: too many SSL negotiation attempts")
			}
			if cfg.TLSConfig == nil || tlsUsed {
				if err := writer.WriteRaw([]byte("N")); err != nil {
					return nil, err
				}
				continue
			}
			if err := writer.WriteRaw([]byte("S")); err != nil {
				return nil, err
			}
			tlsConn := tls.Server(cur, cfg.TLSConfig)
			if err := tlsConn.Handshake(); err != nil {
				return nil, fmt.Errorf("auth: tls handshake: %w", err)
			}
			cur = tlsConn
			reader = wire.NewReader(cur)
			writer = wire.NewWriter(cur, nil)
			tlsUsed = true
			continue

		case wire.GSSENCRequestCode:
			writer.WriteRaw([]byte("G"))
			perr.WriteFatal(writer, perr.CodeConnectionFail, "GSSAPI encryption is not supported")
			return nil, fmt.Errorf("auth: client requested GSSENCMODE")

		case wire.CancelRequestCode:
			return nil, &CancelRequest{
				ProcessID: int32(binary.BigEndian.Uint32(msg.Payload[4:8])),
				SecretKey: int32(binary.BigEndian.Uint32(msg.Payload[8:12])),
			}

		case wire.StartupProtocol3:
			p, err := parseStartupParams(msg.Payload[4:])
			if err != nil {
				perr.WriteFatal(writer, perr.CodeProtocolViolation, err.Error())
				return nil, err
			}
			params = p
		default:
			perr.WriteFatal(writer, perr.CodeProtocolViolation, "unsupported protocol version")
			return nil, fmt.Errorf("auth: unsupported startup code %d", code)
		}

		if params != nil {
			break
		}
	}

	user, ok := params["user"]
	if !ok || user == "" {
		err := fmt.Errorf("auth: missing required startup parameter \"user\"")
		perr.WriteFatal(writer, perr.CodeProtocolViolation, err.Error())
		return nil, err
	}
	database := params["database"]
	if database == "" {
		database = user
	}

	tracked := make(map[string]string)
	for k, v := range params {
		if recognizedStartupParams[k] {
			tracked[k] = v
		}
	}
	if opts, ok := params["options"]; ok {
		applyOptionsOverrides(opts, tracked)
	}

	isAdmin := cfg.AdminUsers[user]
	if !isAdmin && cfg.PoolExists != nil && !cfg.PoolExists(database, user) {
		err := fmt.Errorf("database %q does not exist", database)
		perr.WriteFatal(writer, perr.CodeUndefinedDB, err.Error())
		return nil, err
	}

	connType := hba.ConnHost
	if tlsUsed {
		connType = hba.ConnHostSSL
	} else {
		connType = hba.ConnHostNoSSL
	}
	remoteAddr, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	ip := net.ParseIP(remoteAddr)

	method := hba.MethodTrust
	if cfg.HBA != nil {
		m, matched := cfg.HBA.Resolve(connType, ip, tlsUsed, database, user)
		if !matched {
			err := fmt.Errorf("no pg_hba.conf entry for host %q, user %q, database %q", remoteAddr, user, database)
			perr.WriteFatal(writer, perr.CodeInvalidAuth, "authentication rejected")
			return nil, err
		}
		method = m
	}

	if err := authenticate(reader, writer, method, cfg.Credentials, user); err != nil {
		perr.WriteFatal(writer, perr.CodeInvalidPassword, "authentication rejected")
		return nil, err
	}

	pid, secret := randomBackendID()
	if err := sendAuthSuccess(writer, tracked, pid, secret); err != nil {
		return nil, err
	}

	return &Result{
		Conn:      cur,
		Reader:    reader,
		Writer:    writer,
		TLS:       tlsUsed,
		Database:  database,
		User:      user,
		Params:    tracked,
		ProcessID: pid,
		SecretKey: secret,
		IsAdmin:   isAdmin,
	}, nil
}

// CancelRequest signals that the connection was a cancel-request rather
// than a regular startup; it is returned as an error type so Negotiate's
// normal control flow short-circuits cleanly.
type CancelRequest struct {
	ProcessID int32
	SecretKey int32
}

func (c *CancelRequest) Error() string { return "auth: cancel request" }

func authenticate(r *wire.Reader, w *wire.Writer, method hba.Method, creds CredentialSource, user string) error {
	switch method {
	case hba.MethodTrust:
		return nil
	case hba.MethodReject:
		return fmt.Errorf("auth: rejected by host-based-access rule")
	case hba.MethodMD5:
		return authenticateMD5(r, w, creds, user)
	case hba.MethodScramSHA256:
		return authenticateScram(r, w, creds, user)
	case hba.MethodJWT:
		return authenticateJWT(r, w, creds, user)
	default:
		return fmt.Errorf("auth: unsupported method %q", method)
	}
}

func authenticateMD5(r *wire.Reader, w *wire.Writer, creds CredentialSource, user string) error {
	password, ok := creds.Password(user)
	if !ok {
		return fmt.Errorf("auth: no stored password for user %q", user)
	}
	var salt [4]byte
	rand.Read(salt[:])

	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[:4], 5) // AuthenticationMD5Password
	copy(payload[4:], salt[:])
	if err := w.WriteMessage(wire.TagAuthentication, payload); err != nil {
		return err
	}

	msg, err := r.Next()
	if err != nil {
		return err
	}
	if msg.Tag != wire.TagPassword {
		return fmt.Errorf("auth: expected password message, got %q", msg.Tag)
	}
	response := nullTerminatedString(msg.Payload)
	expected := MD5Password(password, user, salt)
	if response != expected {
		return fmt.Errorf("auth: md5 password mismatch")
	}
	return nil
}

func authenticateScram(r *wire.Reader, w *wire.Writer, creds CredentialSource, user string) error {
	secret, ok := creds.ScramSecret(user)
	if !ok {
		return fmt.Errorf("auth: no stored scram secret for user %q", user)
	}

	mechList := []byte("SCRAM-SHA-256\x00\x00")
	payload := make([]byte, 4+len(mechList))
	binary.BigEndian.PutUint32(payload[:4], 10) // AuthenticationSASL
	copy(payload[4:], mechList)
	if err := w.WriteMessage(wire.TagAuthentication, payload); err != nil {
		return err
	}

	msg, err := r.Next()
	if err != nil {
		return err
	}
	if msg.Tag != wire.TagPassword {
		return fmt.Errorf("auth: expected SASLInitialResponse, got %q", msg.Tag)
	}
	mechName, clientFirst, err := parseSASLInitialResponse(msg.Payload)
	if err != nil {
		return err
	}
	if mechName != "SCRAM-SHA-256" {
		return fmt.Errorf("auth: unsupported SASL mechanism %q", mechName)
	}

	var exchange ScramServerExchange
	serverFirst, err := exchange.ServerFirst(clientFirst, secret)
	if err != nil {
		return err
	}
	cont := make([]byte, 4+len(serverFirst))
	binary.BigEndian.PutUint32(cont[:4], 11) // AuthenticationSASLContinue
	copy(cont[4:], serverFirst)
	if err := w.WriteMessage(wire.TagAuthentication, cont); err != nil {
		return err
	}

	msg, err = r.Next()
	if err != nil {
		return err
	}
	if msg.Tag != wire.TagPassword {
		return fmt.Errorf("auth: expected SASLResponse, got %q", msg.Tag)
	}
	serverFinal, err := exchange.ServerFinal(msg.Payload)
	if err != nil {
		return err
	}
	final := make([]byte, 4+len(serverFinal))
	binary.BigEndian.PutUint32(final[:4], 12) // AuthenticationSASLFinal
	copy(final[4:], serverFinal)
	if err := w.WriteMessage(wire.TagAuthentication, final); err != nil {
		return err
	}
	return nil
}

func authenticateJWT(r *wire.Reader, w *wire.Writer, creds CredentialSource, user string) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, 3) // AuthenticationCleartextPassword; JWT rides in the Password message
	if err := w.WriteMessage(wire.TagAuthentication, payload); err != nil {
		return err
	}
	msg, err := r.Next()
	if err != nil {
		return err
	}
	if msg.Tag != wire.TagPassword {
		return fmt.Errorf("auth: expected password message carrying jwt, got %q", msg.Tag)
	}
	token := nullTerminatedString(msg.Payload)
	return VerifyJWT(creds.JWTConfig(), token, user)
}

func sendAuthSuccess(w *wire.Writer, params map[string]string, pid, secret int32) error {
	ok := make([]byte, 4)
	if err := w.WriteMessage(wire.TagAuthentication, ok); err != nil {
		return err
	}
	for k, v := range params {
		body := append([]byte(k), 0)
		body = append(body, append([]byte(v), 0)...)
		if err := w.WriteMessage(wire.TagParameterStatus, body); err != nil {
			return err
		}
	}
	keyData := make([]byte, 8)
	binary.BigEndian.PutUint32(keyData[:4], uint32(pid))
	binary.BigEndian.PutUint32(keyData[4:], uint32(secret))
	if err := w.WriteMessage(wire.TagBackendKeyData, keyData); err != nil {
		return err
	}
	return w.WriteMessage(wire.TagReadyForQuery, []byte{'I'})
}

func randomBackendID() (int32, int32) {
	var b [8]byte
	rand.Read(b[:])
	pid := int32(binary.BigEndian.Uint32(b[:4]) & 0x7fffffff)
	secret := int32(binary.BigEndian.Uint32(b[4:]) & 0x7fffffff)
	return pid, secret
}

func parseStartupParams(data []byte) (map[string]string, error) {
	params := make(map[string]string)
	for len(data) > 0 {
		if data[0] == 0 {
			break
		}
		key, rest, err := readCString(data)
		if err != nil {
			return nil, err
		}
		val, rest2, err := readCString(rest)
		if err != nil {
			return nil, err
		}
		if _, dup := params[key]; dup {
			return nil, fmt.Errorf("auth: duplicate startup parameter %q", key)
		}
		params[key] = val
		data = rest2
	}
	return params, nil
}

func readCString(data []byte) (string, []byte, error) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("auth: unterminated string in startup packet")
}

func nullTerminatedString(data []byte) string {
	if i := indexByte(data, 0); i >= 0 {
		return string(data[:i])
	}
	return string(data)
}

func indexByte(data []byte, b byte) int {
	for i, c := range data {
		if c == b {
			return i
		}
	}
	return -1
}

func applyOptionsOverrides(options string, tracked map[string]string) {
	fields := strings.Fields(options)
	for i := 0; i < len(fields); i++ {
		if fields[i] == "-c" && i+1 < len(fields) {
			kv := strings.SplitN(fields[i+1], "=", 2)
			if len(kv) == 2 {
				tracked[kv[0]] = kv[1]
			}
			i++
		}
	}
}

func parseSASLInitialResponse(payload []byte) (mechanism string, clientFirst []byte, err error) {
	idx := indexByte(payload, 0)
	if idx < 0 {
		return "", nil, fmt.Errorf("auth: malformed SASLInitialResponse")
	}
	mechanism = string(payload[:idx])
	rest := payload[idx+1:]
	if len(rest) < 4 {
		return "", nil, fmt.Errorf("auth: malformed SASLInitialResponse length")
	}
	n := int(binary.BigEndian.Uint32(rest[:4]))
	rest = rest[4:]
	if n < 0 || n > len(rest) {
		return "", nil, fmt.Errorf("auth: SASLInitialResponse length out of range")
	}
	return mechanism, rest[:n], nil
}
