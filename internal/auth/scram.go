package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ScramSecret is the stored credential a server-role SCRAM-SHA-256 exchange
// authenticates a client's password message against, mirroring RFC 5802's
// StoredKey/ServerKey pair. It is derived from a plaintext password via
// DeriveScramSecret; the config-backed credential source derives a fresh
// one, with a new random salt, on every lookup.
type ScramSecret struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// DeriveScramSecret computes the StoredKey/ServerKey pair for a plaintext
// password, the server-role mirror of the teacher's client-role PBKDF2
// derivation in pool/scram.go.
func DeriveScramSecret(password string, salt []byte, iterations int) ScramSecret {
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	return ScramSecret{Salt: salt, Iterations: iterations, StoredKey: storedKey, ServerKey: serverKey}
}

// NewRandomSalt generates a 16-byte SCRAM salt.
func NewRandomSalt() []byte {
	salt := make([]byte, 16)
	rand.Read(salt)
	return salt
}

// ScramServerExchange drives one server-role SCRAM-SHA-256 exchange. It is
// given the already-received client-first-message bytes (the payload of
// the initial SASLInitialResponse, after the mechanism name and length
// prefix have been stripped by the caller) and returns the bytes of the
// server-first-message, then (via ServerFinal) the server-final-message once
// the caller supplies the client-final-message.
type ScramServerExchange struct {
	secret      ScramSecret
	clientNonce string
	serverNonce string
	authMessage string
	gs2Header   string
}

// ServerFirst parses a client-first-message and returns the bytes of the
// server-first-message to send back via AuthenticationSASLContinue.
func (x *ScramServerExchange) ServerFirst(clientFirstMsg []byte, secret ScramSecret) ([]byte, error) {
	x.secret = secret
	msg := string(clientFirstMsg)
	if !strings.HasPrefix(msg, "n,,") {
		return nil, fmt.Errorf("auth: unsupported gs2 header in client-first-message")
	}
	x.gs2Header = "n,,"
	bare := msg[len("n,,"):]
	for _, part := range strings.Split(bare, ",") {
		if strings.HasPrefix(part, "r=") {
			x.clientNonce = part[2:]
		}
	}
	if x.clientNonce == "" {
		return nil, fmt.Errorf("auth: missing client nonce")
	}

	serverNonceBytes := make([]byte, 18)
	rand.Read(serverNonceBytes)
	x.serverNonce = x.clientNonce + base64.StdEncoding.EncodeToString(serverNonceBytes)

	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d",
		x.serverNonce,
		base64.StdEncoding.EncodeToString(secret.Salt),
		secret.Iterations)

	x.authMessage = bare + "," + serverFirst
	return []byte(serverFirst), nil
}

// ServerFinal validates a client-final-message and returns the
// server-final-message bytes, or an error if the client's proof is wrong.
func (x *ScramServerExchange) ServerFinal(clientFinalMsg []byte) ([]byte, error) {
	msg := string(clientFinalMsg)
	parts := strings.Split(msg, ",")
	var channelBinding, nonce, proofB64 string
	for _, p := range parts {
		switch {
		case strings.HasPrefix(p, "c="):
			channelBinding = p
		case strings.HasPrefix(p, "r="):
			nonce = p[2:]
		case strings.HasPrefix(p, "p="):
			proofB64 = p[2:]
		}
	}
	if nonce != x.serverNonce {
		return nil, fmt.Errorf("auth: nonce mismatch")
	}
	expectedChannelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(x.gs2Header))
	if channelBinding != expectedChannelBinding {
		return nil, fmt.Errorf("auth: channel binding mismatch")
	}
	clientProof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid proof encoding: %w", err)
	}

	clientFinalWithoutProof := channelBinding + ",r=" + nonce
	fullAuthMessage := x.authMessage + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(x.secret.StoredKey, []byte(fullAuthMessage))
	clientKey := xorBytes(clientProof, clientSignature)
	if !hmac.Equal(sha256Sum(clientKey), x.secret.StoredKey) {
		return nil, fmt.Errorf("auth: password does not match")
	}

	serverSignature := hmacSHA256(x.secret.ServerKey, []byte(fullAuthMessage))
	return []byte("v=" + base64.StdEncoding.EncodeToString(serverSignature)), nil
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
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func parseIterations(s string) (int, error) {
	return strconv.Atoi(s)
}
