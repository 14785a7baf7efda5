package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

func TestIssuerRoundTrip(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	issuer, err := NewIssuer("test-secret", 15*time.Minute, clk)
	if err != nil {
		t.Fatal(err)
	}

	token, expiresAt, err := issuer.GenerateProviderToken("client-1", "dr-smith")
	if err != nil {
		t.Fatalf("GenerateProviderToken() error = %v", err)
	}
	if !expiresAt.Equal(clk.Now().Add(15 * time.Minute)) {
		t.Errorf("expiresAt = %s", expiresAt)
	}

	claims, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.ClientID != "client-1" || claims.ProviderID != "dr-smith" || claims.Role != RoleProvider {
		t.Errorf("claims = %+v", claims)
	}

	exp, err := ExpiresAt(token)
	if err != nil || !exp.Equal(expiresAt) {
		t.Errorf("ExpiresAt() = %s, %v", exp, err)
	}
}

func TestValidateToken(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	issuer, _ := NewIssuer("test-secret", time.Minute, clk)
	other, _ := NewIssuer("other-secret", time.Minute, clk)

	valid, _, _ := issuer.GenerateProviderToken("c", "p")
	foreign, _, _ := other.GenerateProviderToken("c", "p")
	none := jwt.NewWithClaims(jwt.SigningMethodNone, &JWTClaims{ClientID: "c"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name    string
		token   string
		advance time.Duration
		wantErr bool
	}{
		{name: "valid", token: valid},
		{name: "wrong secret", token: foreign, wantErr: true},
		{name: "alg none", token: unsigned, wantErr: true},
		{name: "garbage", token: "not.a.token", wantErr: true},
		{name: "expired", token: valid, advance: 2 * time.Minute, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk.Add(tt.advance)
			_, err := issuer.ValidateToken(tt.token)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidToken) {
				t.Errorf("error %v does not wrap ErrInvalidToken", err)
			}
		})
	}
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	if _, err := NewIssuer("", time.Minute, nil); err == nil {
		t.Error("expected error for empty secret")
	}
}
