package utils

import (
	"testing"
	"time"

	"github.com/Baaaki/chatcore/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret          = "test-secret-key-for-jwt-testing"
	testWrongSecret     = "wrong-secret-key-for-jwt-testing"
	testTokenDuration   = 1 * time.Hour
	testExpiredDuration = -1 * time.Hour
)

func TestGenerateToken_RoundTrip(t *testing.T) {
	roles := []models.Role{models.RoleUser, models.RoleModerator, models.RoleAdmin}

	for _, role := range roles {
		t.Run(string(role), func(t *testing.T) {
			userID := uuid.New()
			token, err := GenerateToken(userID, "kullanıcı_ışık", role, testSecret, testTokenDuration)
			require.NoError(t, err)

			claims, err := ValidateToken(token, testSecret)
			require.NoError(t, err)
			assert.Equal(t, userID, claims.UserID)
			assert.Equal(t, "kullanıcı_ışık", claims.Username)
			assert.Equal(t, role, claims.Role)
			assert.True(t, claims.ExpiresAt.Time.After(time.Now()))
		})
	}
}

func TestValidateToken_Expired(t *testing.T) {
	token, err := GenerateToken(uuid.New(), "alice", models.RoleUser, testSecret, testExpiredDuration)
	require.NoError(t, err)

	claims, err := ValidateToken(token, testSecret)
	assert.ErrorIs(t, err, ErrExpiredToken)
	assert.Nil(t, claims)
}

func TestValidateToken_InvalidToken(t *testing.T) {
	invalidTokens := []string{
		"",
		"invalid.token.here",
		"not-a-jwt-token",
		"a.b",
		"eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9",
	}

	for _, invalidToken := range invalidTokens {
		t.Run(invalidToken, func(t *testing.T) {
			claims, err := ValidateToken(invalidToken, testSecret)
			assert.ErrorIs(t, err, ErrInvalidToken)
			assert.Nil(t, claims)
		})
	}
}

func TestValidateToken_WrongSecretAndTampering(t *testing.T) {
	token, err := GenerateToken(uuid.New(), "alice", models.RoleUser, testSecret, testTokenDuration)
	require.NoError(t, err)

	_, err = ValidateToken(token, testWrongSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)

	tampered := token[:len(token)-5] + "XXXXX"
	_, err = ValidateToken(tampered, testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_RejectsMissingSubject(t *testing.T) {
	token, err := GenerateToken(uuid.Nil, "ghost", models.RoleUser, testSecret, testTokenDuration)
	require.NoError(t, err)

	_, err = ValidateToken(token, testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_DefaultsRole(t *testing.T) {
	userID := uuid.New()
	token, err := GenerateToken(userID, "alice", "", testSecret, testTokenDuration)
	require.NoError(t, err)

	claims, err := ValidateToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, claims.Role)
}

func TestValidateToken_RejectsOtherAlgorithms(t *testing.T) {
	claims := &Claims{
		UserID: uuid.New(),
		Role:   models.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = ValidateToken(token, testSecret)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func BenchmarkValidateToken(b *testing.B) {
	token, _ := GenerateToken(uuid.New(), "bench", models.RoleUser, testSecret, testTokenDuration)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = ValidateToken(token, testSecret)
	}
}
