package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func setupAuthConfig() {
	viper.Set("argon2.salt_length", 16)
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)
}

func TestAuthService_Register(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	setupAuthConfig()

	service := NewAuthService(db, nil)

	t.Run("successful registration opens a wallet", func(t *testing.T) {
		req := RegisterRequest{
			PhoneNumber: "+50937123456",
			Password:    "password123",
			FirstName:   "Jean",
			LastName:    "Baptiste",
		}

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO users").
			WithArgs(req.PhoneNumber, sqlmock.AnyArg(), req.FirstName, req.LastName, "", "rider").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectExec("INSERT INTO wallets").
			WithArgs(1, 0, "HTG").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response AuthResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.NotEmpty(t, response.Token)
		assert.Equal(t, req.PhoneNumber, response.User.PhoneNumber)
		assert.Equal(t, "rider", response.User.Role)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("driver role is honored", func(t *testing.T) {
		req := RegisterRequest{
			PhoneNumber: "+50937654321",
			Password:    "password123",
			FirstName:   "Marie",
			LastName:    "Pierre",
			Role:        "driver",
		}

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO users").
			WithArgs(req.PhoneNumber, sqlmock.AnyArg(), req.FirstName, req.LastName, "", "driver").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
		mock.ExpectExec("INSERT INTO wallets").
			WithArgs(2, 0, "HTG").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response AuthResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "driver", response.User.Role)
	})

	t.Run("invalid request body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer([]byte("invalid")))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("admin cannot be self-registered", func(t *testing.T) {
		body, _ := json.Marshal(RegisterRequest{
			PhoneNumber: "+50937000000",
			Password:    "password123",
			FirstName:   "Evil",
			LastName:    "Admin",
			Role:        "admin",
		})
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAuthService_Login(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	setupAuthConfig()

	service := NewAuthService(db, nil)

	t.Run("successful login", func(t *testing.T) {
		hashedPassword, _ := hashPassword("password123")

		mock.ExpectQuery("SELECT id, phone_number, first_name, last_name, email, role, password FROM users").
			WithArgs("+50937123456").
			WillReturnRows(sqlmock.NewRows([]string{"id", "phone_number", "first_name", "last_name", "email", "role", "password"}).
				AddRow(1, "+50937123456", "Jean", "Baptiste", "jean@example.com", "rider", hashedPassword))
		mock.ExpectExec("UPDATE users SET last_login").
			WithArgs(1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		req := LoginRequest{
			PhoneNumber: "+50937123456",
			Password:    "password123",
		}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response AuthResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.NotEmpty(t, response.Token)
		assert.Equal(t, "rider", response.User.Role)
	})

	t.Run("user not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, phone_number, first_name, last_name, email, role, password FROM users").
			WithArgs("+50900000000").
			WillReturnError(sql.ErrNoRows)

		req := LoginRequest{
			PhoneNumber: "+50900000000",
			Password:    "password123",
		}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong password", func(t *testing.T) {
		hashedPassword, _ := hashPassword("correct-password")

		mock.ExpectQuery("SELECT id, phone_number, first_name, last_name, email, role, password FROM users").
			WithArgs("+50937123456").
			WillReturnRows(sqlmock.NewRows([]string{"id", "phone_number", "first_name", "last_name", "email", "role", "password"}).
				AddRow(1, "+50937123456", "Jean", "Baptiste", "jean@example.com", "rider", hashedPassword))

		body, _ := json.Marshal(LoginRequest{
			PhoneNumber: "+50937123456",
			Password:    "wrong-password",
		})
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestPasswordHashing(t *testing.T) {
	setupAuthConfig()

	password := "testpassword"

	hashed, err := hashPassword(password)
	assert.NoError(t, err)
	assert.NotEmpty(t, hashed)

	assert.True(t, verifyPassword(password, hashed))
	assert.False(t, verifyPassword("wrongpassword", hashed))
}

func TestGenerateJWT(t *testing.T) {
	setupAuthConfig()

	token, err := generateJWT(123, "rider")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)
}
