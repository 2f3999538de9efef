package catalog

import (
	"encoding/base64"
	"net/http"
)

// Credential authenticates catalog requests. The client attaches it to every
// request and treats it as opaque; String must never reveal secrets.
type Credential interface {
	Apply(h http.Header)
	String() string
}

type basicCredential struct {
	user    string
	company string
	token   string
}

// BasicCredential authenticates as user@company with HTTP basic auth, the
// form the platform expects for API users.
func BasicCredential(user, company, password string) Credential {
	login := user
	if company != "" {
		login = user + "@" + company
	}
	return basicCredential{
		user:    user,
		company: company,
		token:   base64.StdEncoding.EncodeToString([]byte(login + ":" + password)),
	}
}

func (c basicCredential) Apply(h http.Header) {
	h.Set("Authorization", "Basic "+c.token)
}

func (c basicCredential) String() string {
	return "basic " + c.user + "@" + c.company + " (password hidden)"
}

type bearerCredential struct {
	token string
}

// BearerCredential sends a pre-issued OAuth access token.
func BearerCredential(token string) Credential {
	return bearerCredential{token: token}
}

func (c bearerCredential) Apply(h http.Header) {
	h.Set("Authorization", "Bearer "+c.token)
}

func (c bearerCredential) String() string {
	return "bearer (token hidden)"
}
