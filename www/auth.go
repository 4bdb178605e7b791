package www

import (
	"crypto/rand"
	"crypto/sha256"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/hkdf"

	"agroops/config"
)

const (
	sessionName       = "agroops_session"
	defaultSessionTTL = 12 * time.Hour

	keyOperator = "operator"
	keyLoginAt  = "login_at"
)

// sessionStore keeps the logged-in operator in an encrypted cookie. The login
// time travels with it so expiry holds even if a client ignores MaxAge.
type sessionStore struct {
	store *sessions.CookieStore
	ttl   time.Duration
	now   func() time.Time
}

func newSessionStore(cfg config.WebConfig) *sessionStore {
	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		rand.Read(secret)
		log.Printf("web.session_secret not set: sessions will not survive a restart")
	}
	hashKey, blockKey := cookieKeys(secret)

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	cs := sessions.NewCookieStore(hashKey, blockKey)
	cs.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	return &sessionStore{store: cs, ttl: ttl, now: time.Now}
}

// cookieKeys derives the HMAC key and the AES-256 key from one secret.
func cookieKeys(secret []byte) (hashKey, blockKey []byte) {
	kdf := hkdf.New(sha256.New, secret, nil, []byte("agroops session cookie"))
	hashKey = make([]byte, 32)
	blockKey = make([]byte, 32)
	io.ReadFull(kdf, hashKey)
	io.ReadFull(kdf, blockKey)
	return hashKey, blockKey
}

func (s *sessionStore) get(r *http.Request) *sessions.Session {
	sess, _ := s.store.Get(r, sessionName)
	return sess
}

// getUser returns the operator of a live session.
func (s *sessionStore) getUser(r *http.Request) (string, bool) {
	sess := s.get(r)
	name, _ := sess.Values[keyOperator].(string)
	loginAt, _ := sess.Values[keyLoginAt].(int64)
	if name == "" || loginAt == 0 {
		return "", false
	}
	if s.now().Sub(time.Unix(loginAt, 0)) > s.ttl {
		return "", false
	}
	return name, true
}

func (s *sessionStore) setUser(w http.ResponseWriter, r *http.Request, operator string) error {
	sess := s.get(r)
	sess.Values[keyOperator] = operator
	sess.Values[keyLoginAt] = s.now().Unix()
	return sess.Save(r, w)
}

func (s *sessionStore) clear(w http.ResponseWriter, r *http.Request) {
	sess := s.get(r)
	delete(sess.Values, keyOperator)
	delete(sess.Values, keyLoginAt)
	sess.Options.MaxAge = -1
	sess.Save(r, w)
}

func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword returns the bcrypt hash stored for an operator.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
