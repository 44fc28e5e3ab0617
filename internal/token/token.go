// Package token signs and verifies the short-lived URL tokens that gate
// cached video delivery. A token is four dash-separated fields,
//
//	sign_ts-rand-uid-sign
//
// where sign = md5_hex("/v/{id}-{checksum}.mp4-{sign_ts}-{rand}-{uid}-{secret}").
// sign_ts is decimal Unix seconds, rand is the URL-safe base64 of the
// client's User-Agent, and uid is the client IP with every rune that is not
// a digit or a dot replaced by a dot. Binding the checksum into the
// signature ties a token to one bit-identical cache version: a token issued
// for an old file stops verifying once the file is replaced.
package token

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Verification failures, distinguishable for logs. The HTTP layer maps all
// of them to the same opaque 400.
var (
	ErrMalformed         = errors.New("token malformed")
	ErrSignatureMismatch = errors.New("token signature mismatch")
	ErrExpired           = errors.New("token expired")
)

// Codec issues and verifies tokens. Stateless and safe for concurrent use.
type Codec struct {
	secret   string
	validity time.Duration
	now      func() time.Time
}

// New returns a Codec signing with secret and accepting tokens whose
// sign_ts is within validity of the clock, in either direction. A nil now
// means time.Now.
func New(secret string, validity time.Duration, now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{secret: secret, validity: validity, now: now}
}

// Issue builds a token for serving /v/{id}-{checksum}.mp4 to the client
// identified by userAgent and clientIP.
func (c *Codec) Issue(id uint32, checksum, userAgent, clientIP string) string {
	ts := strconv.FormatInt(c.now().Unix(), 10)
	rand := base64.URLEncoding.EncodeToString([]byte(userAgent))
	uid := sanitizeIP(clientIP)
	return ts + "-" + rand + "-" + uid + "-" + c.sign(id, checksum, ts, rand, uid)
}

// Verify checks a presented token against the (id, checksum) being served.
// The signature is recomputed from the token's own rand and uid fields, so
// no request context beyond the URL is needed. nil means the token is
// genuine and fresh.
func (c *Codec) Verify(tok string, id uint32, checksum string) error {
	ts, rand, uid, sign, err := split(tok)
	if err != nil {
		return err
	}

	// Decimal only. The older hex-seconds form fails here rather than at
	// the signature check so it is logged as malformed.
	signTS, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || signTS < 0 {
		return fmt.Errorf("%w: sign_ts %q is not decimal seconds", ErrMalformed, ts)
	}

	if want := c.sign(id, checksum, ts, rand, uid); sign != want {
		return fmt.Errorf("%w: got %s want %s (id=%d checksum=%s)",
			ErrSignatureMismatch, sign, want, id, checksum)
	}

	age := c.now().Sub(time.Unix(signTS, 0))
	if age > c.validity || age < -c.validity {
		return fmt.Errorf("%w: signed %s ago, validity %s", ErrExpired, age, c.validity)
	}
	return nil
}

func (c *Codec) sign(id uint32, checksum, ts, rand, uid string) string {
	payload := fmt.Sprintf("/v/%d-%s.mp4-%s-%s-%s-%s", id, checksum, ts, rand, uid, c.secret)
	sum := md5.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// split cuts sign_ts off the front and sign off the back, then separates
// rand from uid at the last remaining dash. rand is base64url and may
// itself contain dashes; uid never does, because sanitizeIP leaves only
// digits and dots.
func split(tok string) (ts, rand, uid, sign string, err error) {
	first := strings.Index(tok, "-")
	last := strings.LastIndex(tok, "-")
	if first < 0 || last <= first {
		return "", "", "", "", fmt.Errorf("%w: want sign_ts-rand-uid-sign", ErrMalformed)
	}
	ts, sign = tok[:first], tok[last+1:]
	mid := tok[first+1 : last]
	cut := strings.LastIndex(mid, "-")
	if cut < 0 {
		return "", "", "", "", fmt.Errorf("%w: want sign_ts-rand-uid-sign", ErrMalformed)
	}
	// rand may be empty (a client with no User-Agent encodes to ""); the
	// signature still binds it.
	rand, uid = mid[:cut], mid[cut+1:]
	if ts == "" || uid == "" || len(sign) != md5.Size*2 {
		return "", "", "", "", fmt.Errorf("%w: empty field", ErrMalformed)
	}
	return ts, rand, uid, sign, nil
}

// sanitizeIP maps a client address to the uid field: every rune that is not
// an ASCII digit or a dot becomes a dot. IPv4 addresses pass through; IPv6
// colons and hex digits collapse to dots.
func sanitizeIP(ip string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' || r == '.' {
			return r
		}
		return '.'
	}, ip)
}
