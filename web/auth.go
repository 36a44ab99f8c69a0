package web

import (
	"crypto/subtle"
	"net/http"

	"github.com/cyclopcam/logs"
	"github.com/goji/httpauth"
	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"
)

const (
	cookieName  = "spit-auth"
	cookieValue = "authenticated"
)

type AuthMiddleware struct {
	sc   *securecookie.SecureCookie
	opts httpauth.AuthOptions
	log  logs.Log
}

// Setup new middleware for authenticating requests against a single user with a bcrypt password hash.
func NewAuthMiddleware(log logs.Log, user string, passwordHash []byte) AuthMiddleware {
	hashKey := securecookie.GenerateRandomKey(32)
	blockKey := securecookie.GenerateRandomKey(32)
	mw := AuthMiddleware{sc: securecookie.New(hashKey, blockKey), log: log}
	mw.opts = httpauth.AuthOptions{
		Realm: "spit",
		AuthFunc: func(u, pass string, r *http.Request) bool {
			ok := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1 &&
				bcrypt.CompareHashAndPassword(passwordHash, []byte(pass)) == nil
			log.Infof("auth %s from %s: %v", u, r.RemoteAddr, ok)
			return ok
		},
	}
	return mw
}

// HashPassword returns the bcrypt hash to pass to NewAuthMiddleware
func HashPassword(pass string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
}

// If session cookie is not present then use basic auth to login and set a cookie.
func (mw AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(cookieName); err == nil {
			var value string
			if err = mw.sc.Decode(cookieName, cookie.Value, &value); err == nil && value == cookieValue {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpauth.BasicAuth(mw.opts)(mw.setCookie(next)).ServeHTTP(w, r)
	})
}

func (mw AuthMiddleware) setCookie(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if encoded, err := mw.sc.Encode(cookieName, cookieValue); err == nil {
			cookie := &http.Cookie{Name: cookieName, Value: encoded, Path: "/", HttpOnly: true}
			http.SetCookie(w, cookie)
		} else {
			mw.log.Errorf("error encoding cookie: %v", err)
		}
		h.ServeHTTP(w, r)
	})
}
