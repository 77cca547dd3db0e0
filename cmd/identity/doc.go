// Package identity answers one question for the user store: who is signed
// in right now, if anyone. Authentication itself happens elsewhere; these
// providers only surface the resulting user id.
package identity
