package server

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pgvoyage/pgvoyage/internal/wire"
)

// Credentials describes how this pooler authenticates itself to a real
// upstream PostgreSQL server (spec.md §4.7: "falling back is NOT
// permitted; missing server credentials are a configuration error").
type Credentials struct {
	User     string
	Database string
	Password string
	UseScram bool // prefer SCRAM over MD5 if the server offers a choice
}

// DialConfig bundles what Dial needs beyond the address.
type DialConfig struct {
	Addr           string
	DialTimeout    time.Duration
	Creds          Credentials
	ApplicationName string
	StatementCacheSize int
}

// Dial opens a TCP connection, sends the startup message, performs the
// server's requested authentication method, and reads startup parameters
// through to ReadyForQuery, returning an authenticated Conn. Grounded on
// the teacher's pool.authenticatePG, generalized to a (database,user)
// keyed pool rather than a tenant.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	nc, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("server: dial %s: %w", cfg.Addr, err)
	}

	r := wire.NewReader(nc)
	w := wire.NewWriter(nc, nil)

	if err := sendStartup(w, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	params := make(map[string]string)
	var pid, secret int32
	for {
		msg, err := r.Next()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("server: reading startup response: %w", err)
		}
		switch msg.Tag {
		case wire.TagAuthentication:
			authType := binary.BigEndian.Uint32(msg.Payload[:4])
			switch authType {
			case 0: // AuthenticationOk
				// continue to ParameterStatus/BackendKeyData/ReadyForQuery
			case 3: // cleartext
				if err := sendPassword(w, cfg.Creds.Password); err != nil {
					nc.Close()
					return nil, err
				}
			case 5: // md5
				var salt [4]byte
				copy(salt[:], msg.Payload[4:8])
				hashed := md5PasswordClient(cfg.Creds.Password, cfg.Creds.User, salt)
				if err := sendPassword(w, hashed); err != nil {
					nc.Close()
					return nil, err
				}
			case 10: // SASL
				if err := scramClientAuth(r, w, cfg.Creds); err != nil {
					nc.Close()
					return nil, err
				}
			default:
				nc.Close()
				return nil, fmt.Errorf("server: unsupported auth type %d from upstream", authType)
			}
		case wire.TagParameterStatus:
			k, v := splitParamStatus(msg.Payload)
			params[k] = v
		case wire.TagBackendKeyData:
			pid = int32(binary.BigEndian.Uint32(msg.Payload[0:4]))
			secret = int32(binary.BigEndian.Uint32(msg.Payload[4:8]))
		case wire.TagReadyForQuery:
			conn := NewConn(nc, cfg.Addr, pid, secret, params, Options{StatementCacheSize: cfg.StatementCacheSize})
			return conn, nil
		case wire.TagErrorResponse:
			nc.Close()
			return nil, fmt.Errorf("server: upstream rejected startup: %s", parseErrorFields(msg.Payload))
		}
	}
}

func sendStartup(w *wire.Writer, cfg DialConfig) error {
	var buf []byte
	buf = appendUint32(buf, wire.StartupProtocol3)
	buf = appendCString(buf, "user")
	buf = appendCString(buf, cfg.Creds.User)
	buf = appendCString(buf, "database")
	buf = appendCString(buf, cfg.Creds.Database)
	if cfg.ApplicationName != "" {
		buf = appendCString(buf, "application_name")
		buf = appendCString(buf, cfg.ApplicationName)
	}
	buf = append(buf, 0)
	return w.WriteUntagged(buf)
}

func sendPassword(w *wire.Writer, password string) error {
	return w.WriteMessage(wire.TagPassword, append([]byte(password), 0))
}

func md5PasswordClient(password, user string, salt [4]byte) string {
	inner := md5Hex(password + user)
	outer := md5Hex(inner + string(salt[:]))
	return "md5" + outer
}

func splitParamStatus(payload []byte) (string, string) {
	idx := indexByte(payload, 0)
	if idx < 0 {
		return string(payload), ""
	}
	key := string(payload[:idx])
	rest := payload[idx+1:]
	end := indexByte(rest, 0)
	if end < 0 {
		return key, string(rest)
	}
	return key, string(rest[:end])
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func parseErrorFields(payload []byte) string {
	var msg string
	for len(payload) > 0 && payload[0] != 0 {
		field := payload[0]
		idx := indexByte(payload[1:], 0)
		if idx < 0 {
			break
		}
		val := string(payload[1 : 1+idx])
		if field == 'M' {
			msg = val
		}
		payload = payload[1+idx+1:]
	}
	return msg
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// scramClientAuth performs the client-side SCRAM-SHA-256 exchange with the
// upstream server, ported directly from the teacher's pool/scram.go.
func scramClientAuth(r *wire.Reader, w *wire.Writer, creds Credentials) error {
	msg, err := r.Next()
	if err != nil {
		return err
	}
	mechanisms := parseSASLMechanisms(msg.Payload[4:])
	if !containsMechanism(mechanisms, "SCRAM-SHA-256") {
		return fmt.Errorf("server: upstream does not support SCRAM-SHA-256")
	}

	nonceBytes := make([]byte, 18)
	rand.Read(nonceBytes)
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)

	gs2Header := "n,,"
	clientFirstBare := fmt.Sprintf("n=%s,r=%s", saslEscapeUsername(creds.User), clientNonce)
	clientFirstMsg := gs2Header + clientFirstBare

	if err := sendSASLInitial(w, "SCRAM-SHA-256", []byte(clientFirstMsg)); err != nil {
		return err
	}

	msg, err = r.Next()
	if err != nil {
		return err
	}
	if binary.BigEndian.Uint32(msg.Payload[:4]) != 11 {
		return fmt.Errorf("server: expected SASLContinue")
	}
	serverFirstMsg := msg.Payload[4:]

	serverNonce, salt, iterations, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return err
	}
	if !strings.HasPrefix(serverNonce, clientNonce) {
		return fmt.Errorf("server: server nonce does not extend client nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(creds.Password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)
	authMessage := clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)
	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if err := w.WriteMessage(wire.TagPassword, []byte(clientFinalMsg)); err != nil {
		return err
	}

	msg, err = r.Next()
	if err != nil {
		return err
	}
	if binary.BigEndian.Uint32(msg.Payload[:4]) != 12 {
		return fmt.Errorf("server: expected SASLFinal")
	}
	serverFinalMsg := msg.Payload[4:]

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	expectedSig := hmacSHA256(serverKey, []byte(authMessage))
	expected := "v=" + base64.StdEncoding.EncodeToString(expectedSig)
	if string(serverFinalMsg) != expected {
		return fmt.Errorf("server: server signature mismatch")
	}
	return nil
}

func sendSASLInitial(w *wire.Writer, mechanism string, clientFirst []byte) error {
	var payload []byte
	payload = append(payload, mechanism...)
	payload = append(payload, 0)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(clientFirst)))
	payload = append(payload, lenBuf[:]...)
	payload = append(payload, clientFirst...)
	return w.WriteMessage(wire.TagPassword, payload)
}

func parseSASLMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := indexByte(data, 0)
		if idx < 0 {
			break
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		data = data[idx+1:]
	}
	return mechs
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, err
			}
		case strings.HasPrefix(part, "i="):
			fmt.Sscanf(part[2:], "%d", &iterations)
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("server: incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func saslEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum[:])
}
