package auth

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateTokenRequiresRegisteredCredentials(t *testing.T) {
	svc := NewService("secret")

	if _, err := svc.GenerateToken(Credentials{APIKey: "nobody", APISecret: "nothing"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}

	svc.RegisterAPICredentials("client-1", "s3cret")
	if _, err := svc.GenerateToken(Credentials{APIKey: "client-1", APISecret: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials for a bad secret", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService("secret")
	svc.RegisterAPICredentials("client-1", "s3cret")

	token, err := svc.GenerateToken(Credentials{APIKey: "client-1", APISecret: "s3cret"})
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if until := time.Until(token.Expiration); until < 23*time.Hour || until > 25*time.Hour {
		t.Errorf("expiration %v from now, want about 24h", until)
	}

	claims, err := svc.ValidateToken(token.Token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.ClientID != "client-1" {
		t.Errorf("client id = %s, want client-1", claims.ClientID)
	}
	if len(claims.Permissions) == 0 {
		t.Error("claims must carry permissions")
	}
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	issuer := NewService("secret-a")
	issuer.RegisterAPICredentials("client-1", "s3cret")
	token, err := issuer.GenerateToken(Credentials{APIKey: "client-1", APISecret: "s3cret"})
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	verifier := NewService("secret-b")
	if _, err := verifier.ValidateToken(token.Token); err == nil {
		t.Error("a token signed under a different secret must be rejected")
	}
}
