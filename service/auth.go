package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zlnvch/studysync/models"
)

const tokenLifetime = 24 * time.Hour

// CreateJWT mints a token the way the external auth provider does. The
// gateway itself only verifies tokens; this is used by tooling and tests.
func (s *Service) CreateJWT(id string, name string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"id":   id,
		"name": name,
		"exp":  now.Add(tokenLifetime).Unix(),
		"iat":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.JWTSecret)
	if err != nil {
		return "", err
	}

	return signedToken, nil
}

func (s *Service) VerifyJWT(tokenString string) (string, string, time.Time, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return s.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", "", time.Time{}, err
	}

	if !token.Valid {
		return "", "", time.Time{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", time.Time{}, errors.New("invalid token claims")
	}

	id, ok := claims["id"].(string)
	if !ok {
		return "", "", time.Time{}, errors.New("missing id claim")
	}

	// Display name is optional; the UI falls back to the id
	name, _ := claims["name"].(string)

	expFloat, ok := claims["exp"].(float64)
	if !ok {
		return "", "", time.Time{}, errors.New("missing exp claim")
	}
	expiry := time.Unix(int64(expFloat), 0)

	return id, name, expiry, nil
}

// AuthenticateToken turns a bearer token into the participant identity used
// on the bus.
func (s *Service) AuthenticateToken(token string) (models.User, error) {
	if len(token) == 0 {
		return models.User{}, errors.New("token not provided")
	}

	id, name, _, err := s.VerifyJWT(token)
	if err != nil {
		return models.User{}, err
	}
	if err := models.ValidateId(id); err != nil {
		return models.User{}, err
	}
	if name == "" {
		name = id
	}
	if len(name) > models.MaxNameLength {
		name = name[:models.MaxNameLength]
	}

	return models.User{Id: id, Name: name}, nil
}
