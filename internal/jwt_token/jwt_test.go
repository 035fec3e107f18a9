package jwttoken_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jwttoken "github.com/Maybe-Sama/eureka-connect-sub003/internal/jwt_token"
	dErrors "github.com/Maybe-Sama/eureka-connect-sub003/pkg/domain-errors"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := jwttoken.NewService("test-signing-key", "invoice-ledger")

	token, err := svc.GenerateAccessToken("profesor@academia", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "profesor@academia", claims.Actor)
	assert.Equal(t, "profesor@academia", claims.Subject)
	assert.Equal(t, "invoice-ledger", claims.Issuer)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	svc := jwttoken.NewService("test-signing-key", "invoice-ledger")

	token, err := svc.GenerateAccessToken("profesor@academia", -time.Minute)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))
	assert.Contains(t, err.Error(), "expired")
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	minter := jwttoken.NewService("key-one", "invoice-ledger")
	verifier := jwttoken.NewService("key-two", "invoice-ledger")

	token, err := minter.GenerateAccessToken("profesor@academia", time.Hour)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc := jwttoken.NewService("test-signing-key", "invoice-ledger")

	_, err := svc.ValidateToken("not.a.token")
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeUnauthorized, dErrors.CodeOf(err))
}
