package tokens

import (
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Algorithm names a signing algorithm from the allow-list.
type Algorithm string

const (
	HS256 Algorithm = "HS256"
	HS384 Algorithm = "HS384"
	HS512 Algorithm = "HS512"
	RS256 Algorithm = "RS256"
	RS384 Algorithm = "RS384"
	RS512 Algorithm = "RS512"
)

type algorithmPolicy struct {
	name           Algorithm
	symmetric      bool
	requiresCrypto bool
	method         jwt.SigningMethod
}

var allowedAlgorithms = map[Algorithm]algorithmPolicy{
	HS256: {name: HS256, symmetric: true, method: jwt.SigningMethodHS256},
	HS384: {name: HS384, symmetric: true, method: jwt.SigningMethodHS384},
	HS512: {name: HS512, symmetric: true, method: jwt.SigningMethodHS512},
	RS256: {name: RS256, requiresCrypto: true, method: jwt.SigningMethodRS256},
	RS384: {name: RS384, requiresCrypto: true, method: jwt.SigningMethodRS384},
	RS512: {name: RS512, requiresCrypto: true, method: jwt.SigningMethodRS512},
}

// asymmetricCryptoAvailable reports whether RSA signing is usable in this build.
// It is a variable so tests can exercise the capability check.
var asymmetricCryptoAvailable = true

// AllowedAlgorithms lists the accepted algorithm names in a stable order.
func AllowedAlgorithms() []Algorithm {
	return []Algorithm{HS256, HS384, HS512, RS256, RS384, RS512}
}

// Symmetric reports whether the algorithm signs and verifies with one shared secret.
func (a Algorithm) Symmetric() bool {
	p, ok := allowedAlgorithms[a]
	return ok && p.symmetric
}

func lookupAlgorithm(name Algorithm) (algorithmPolicy, error) {
	p, ok := allowedAlgorithms[Algorithm(strings.TrimSpace(string(name)))]
	if !ok {
		return algorithmPolicy{}, configError("algorithm", "unrecognized algorithm type %q", name)
	}
	if p.requiresCrypto && !asymmetricCryptoAvailable {
		return algorithmPolicy{}, configError("algorithm", "asymmetric crypto support is required to use %s", name)
	}
	return p, nil
}
