package auth

import (
	"crypto/md5"
	"encoding/hex"
)

// MD5Password computes "md5" + md5(md5(password+user)+salt), the standard
// PostgreSQL salted MD5 challenge response, grounded on the teacher's
// pool.computeMD5Password (there played client-side; here played
// server-side to verify what the client sends back).
func MD5Password(password, user string, salt [4]byte) string {
	inner := md5Hex(password + user)
	outer := md5Hex(inner + string(salt[:]))
	return "md5" + outer
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
