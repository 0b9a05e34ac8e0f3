// Package auth implements the five credential validation plugs: admin
// API key, worker token, legacy worker id, build submitter token, and VM
// token/OTP. Each plug is a Verifier method that a handler calls first:
// it performs its one check on the *http.Request and returns either the
// authenticated principal or a typed *ctlerr.Error. Handlers are not
// wrapped; the ownership check (WorkerOwnsBuild) is a plain function run
// after authentication. Every comparison against secret material uses
// crypto/subtle.ConstantTimeCompare.
package auth
