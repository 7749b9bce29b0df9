package auth

import (
	"errors"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by a collab access token. Issued by the auth service with a
// minutes-scale TTL; this service only verifies.
type Claims struct {
	UserID     string `json:"sub"`
	DocumentID string `json:"docId,omitempty"`
	Email      string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

var (
	ErrMissingToken     = errors.New("MISSING_TOKEN")
	ErrInvalidToken     = errors.New("INVALID_TOKEN")
	ErrExpiredToken     = errors.New("EXPIRED_TOKEN")
	ErrDocumentMismatch = errors.New("DOCUMENT_MISMATCH")
)

// Verifier checks connection tokens before anything touches a session.
// Fails closed: the only way around a bad token is the explicit dev bypass,
// which cannot be combined with production mode.
type Verifier struct {
	secret    []byte
	devBypass bool
}

func NewVerifier(secret string, production, devBypass bool) (*Verifier, error) {
	if secret == "" {
		if production {
			return nil, errors.New("auth: signing secret required in production")
		}
		if !devBypass {
			return nil, errors.New("auth: no signing secret configured and dev bypass not enabled")
		}
		log.Printf("auth: DEV BYPASS ENABLED, all connection tokens accepted")
		return &Verifier{devBypass: true}, nil
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify validates the token and, when the token pins a document id, checks
// it against the document the connection claims. Verification happens once
// per connection; expiry is not re-checked mid-session.
func (v *Verifier) Verify(tokenString, claimedDocID string) (*Claims, error) {
	if v.devBypass {
		return &Claims{UserID: "dev", DocumentID: claimedDocID}, nil
	}
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	// token 内嵌文档与连接声明的文档不一致：在任何会话 I/O 之前拒绝
	if claims.DocumentID != "" && claimedDocID != "" && claims.DocumentID != claimedDocID {
		return nil, ErrDocumentMismatch
	}
	return claims, nil
}

// Sign issues a doc-scoped access token. Used by tests and local tooling;
// real tokens come from the auth service.
func Sign(secret, userID, documentID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:     userID,
		DocumentID: documentID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
