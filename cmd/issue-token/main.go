package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	authjwt "disposms/backend/internal/auth/jwt"
	"disposms/backend/internal/config"
	"disposms/backend/internal/domain"
)

// issue-token 为开发环境签发访问令牌，账户体系由上游负责
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: issue-token <user|admin|super> [user-id]")
		os.Exit(1)
	}

	role, err := parseRole(os.Args[1])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	userID := uuid.New().String()
	if len(os.Args) >= 3 {
		userID = os.Args[2]
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Server.IsProduction() {
		fmt.Println("Refusing to issue tokens in production")
		os.Exit(1)
	}

	tokens := authjwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	token, err := tokens.GenerateToken(userID, role)
	if err != nil {
		fmt.Printf("Failed to issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Token issued\n")
	fmt.Printf("  User ID:  %s\n", userID)
	fmt.Printf("  Role:     %s\n", role)
	fmt.Printf("  Expires:  %s\n", cfg.JWT.AccessExpiry)
	fmt.Printf("\n%s\n", token)
}

func parseRole(raw string) (domain.UserRole, error) {
	switch role := domain.UserRole(raw); role {
	case domain.RoleUser, domain.RoleAdmin, domain.RoleSuper:
		return role, nil
	default:
		return "", fmt.Errorf("invalid role %q (user, admin, super)", raw)
	}
}
