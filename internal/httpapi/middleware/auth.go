package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/brightpath/contentgen/internal/common"
)

const (
	StudentIDKey  = "student_id"
	GradeLevelKey = "grade_level"
)

// StudentClaims is the token shape issued by the identity service. Grade
// level rides along so submissions can omit it.
type StudentClaims struct {
	StudentID  string `json:"student_id"`
	GradeLevel int    `json:"grade_level"`
	jwt.RegisteredClaims
}

// AuthRequired rejects requests without a valid bearer token and stashes
// the student identity on the gin context.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing bearer token")
			c.Abort()
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		claims := &StudentClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid || claims.StudentID == "" {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			c.Abort()
			return
		}

		c.Set(StudentIDKey, claims.StudentID)
		c.Set(GradeLevelKey, claims.GradeLevel)
		c.Next()
	}
}

// SignStudentToken mints an HS256 token for a student identity.
func SignStudentToken(studentID string, gradeLevel int, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := StudentClaims{
		StudentID:  studentID,
		GradeLevel: gradeLevel,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   studentID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
