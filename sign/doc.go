// Package sign implements the Signature Verifier (spec component C2): a
// front end over OpenPGP that turns a clear-signed InRelease body, or a
// Release body plus a detached Release.gpg signature, into a tri-state
// verification outcome. The teacher module signed repository metadata it
// produced itself (deb/util.go's signBytes, built on
// github.com/ProtonMail/go-crypto/openpgp/clearsign.Encode); this package
// is the same library used the other way round, to check signatures over
// metadata this module only consumes.
package sign
