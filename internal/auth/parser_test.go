package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-violation-service/internal/model"
)

func sign(t *testing.T, method jwt.SigningMethod, secret string, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func claims(sub, role string, exp time.Time) Claims {
	return Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
}

func TestParseValidToken(t *testing.T) {
	id := uuid.New()
	p := NewParser("secret")
	tok := sign(t, jwt.SigningMethodHS256, "secret", claims(id.String(), "REVIEWER", time.Now().Add(time.Hour)))

	principal, err := p.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, id, principal.UserID)
	assert.Equal(t, model.UserRoleReviewer, principal.Role)
	assert.True(t, principal.CanReview())
	assert.False(t, principal.CanCalibrate())
}

func TestParseRejects(t *testing.T) {
	id := uuid.New().String()
	future := time.Now().Add(time.Hour)
	deviceNoID := claims(id, "DEVICE", future)

	tests := []struct {
		name  string
		token string
	}{
		{name: "wrong secret", token: sign(t, jwt.SigningMethodHS256, "other", claims(id, "ADMIN", future))},
		{name: "expired", token: sign(t, jwt.SigningMethodHS256, "secret", claims(id, "ADMIN", time.Now().Add(-time.Minute)))},
		{name: "wrong algorithm", token: sign(t, jwt.SigningMethodHS512, "secret", claims(id, "ADMIN", future))},
		{name: "subject not uuid", token: sign(t, jwt.SigningMethodHS256, "secret", claims("42", "ADMIN", future))},
		{name: "unknown role", token: sign(t, jwt.SigningMethodHS256, "secret", claims(id, "DRIVER", future))},
		{name: "device without id", token: sign(t, jwt.SigningMethodHS256, "secret", deviceNoID)},
		{name: "garbage", token: "not-a-token"},
	}
	p := NewParser("secret")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestDevicePrincipal(t *testing.T) {
	c := claims(uuid.New().String(), "DEVICE", time.Now().Add(time.Hour))
	c.DeviceID = "cam-1"
	principal, err := NewParser("secret").Parse(sign(t, jwt.SigningMethodHS256, "secret", c))
	require.NoError(t, err)
	assert.True(t, principal.CanSubmitFrames("cam-1"))
	assert.False(t, principal.CanSubmitFrames("cam-2"))
}
