package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/zenazn/goji/web"

	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/socket"
)

// authConfig holds the JWT secret and the optional file of per-user privileges.
type authConfig struct {
	AuthFile  string `toml:"auth_file"`
	SecretKey string `toml:"secret_key"`
}

// authorizer validates JWTs and privileges.  Without a secret key every
// request gets the placeholder identity and full privileges.
type authorizer struct {
	secret []byte

	// user -> "read", "write" or "readwrite".  A "*" entry applies to all users.
	users map[string]string
}

func newAuthorizer(c authConfig) (*authorizer, error) {
	a := &authorizer{secret: []byte(c.SecretKey)}
	if len(c.AuthFile) == 0 {
		if len(a.secret) != 0 {
			slide.Infof("No authorization file found.  Any valid token has full privileges.\n")
		}
		return a, nil
	}
	data, err := os.ReadFile(c.AuthFile)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &a.users); err != nil {
		return nil, fmt.Errorf("bad authorization file %s: %v", c.AuthFile, err)
	}
	return a, nil
}

func (a *authorizer) enabled() bool {
	return len(a.secret) != 0
}

// generateJWT returns a JWT given a user
func (a *authorizer) generateJWT(user string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user": user})
	tokenString, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("error with JWT signing: %v", err)
	}
	return tokenString, nil
}

// requestToken returns the bearer token of a request.  Browsers can't set
// headers on websocket upgrades so a "token" query string is also accepted.
func requestToken(r *http.Request) (string, error) {
	if reqToken := r.Header.Get("Authorization"); len(reqToken) != 0 {
		splitToken := strings.Split(reqToken, "Bearer")
		if len(splitToken) != 2 {
			return "", fmt.Errorf("bearer not in proper format")
		}
		return strings.TrimSpace(splitToken[1]), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("JWT required via Authorization in request header")
}

// identify returns the user of a request, checking it may use the method.
func (a *authorizer) identify(r *http.Request) (string, error) {
	if !a.enabled() {
		return socket.PlaceholderIdentity, nil
	}
	reqToken, err := requestToken(r)
	if err != nil {
		return "", slide.WrapError(slide.RequestIntegrity, "authorize", err)
	}
	token, err := jwt.Parse(reqToken, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("error signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", slide.NewError(slide.RequestIntegrity, "authorize", "error parsing JWT: %v", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", slide.NewError(slide.RequestIntegrity, "authorize", "failed authorization")
	}
	user, ok := claims["user"].(string)
	if !ok {
		return "", slide.NewError(slide.RequestIntegrity, "authorize", "user %v is not a simple string", claims["user"])
	}
	if !a.allowed(user, r.Method) {
		return "", slide.NewError(slide.RequestIntegrity, "authorize", "user %q is not authorized", user)
	}
	return user, nil
}

// allowed returns true if the user's privilege covers the HTTP method.
func (a *authorizer) allowed(user string, httpMethod string) bool {
	if len(a.users) == 0 {
		return true
	}
	method := strings.ToLower(httpMethod)
	readReq := method == "get" || method == "head"
	priv, found := a.users[user]
	if !found {
		priv, found = a.users["*"]
		if !found {
			return false
		}
	}
	switch priv {
	case "readwrite":
		return true
	case "read":
		return readReq
	case "write":
		return !readReq
	default:
		slide.Errorf("Authorized user %q has unparsable privilege %q\n", user, priv)
		return false
	}
}

// middleware validates the request's identity and sets the c.Env["user"] field.
func (a *authorizer) middleware(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		user, err := a.identify(r)
		if err != nil {
			http.Error(w, slide.PublicMessage(err), http.StatusUnauthorized)
			return
		}
		if c.Env == nil {
			c.Env = make(map[interface{}]interface{})
		}
		c.Env["user"] = user
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}
