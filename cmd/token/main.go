// Command token mints a signed relay token from the configured secret. It is
// how the CRUD service gets its first service credential.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/services"
	"chatrelay/pkg/config"
	"chatrelay/pkg/validation"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "token:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		id         string
		name       string
		role       string
		ttl        time.Duration
	)
	flagSet := pflag.NewFlagSet("token", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML configuration")
	flagSet.StringVar(&id, "id", "crud-service", "identity id")
	flagSet.StringVar(&name, "name", "", "display name")
	flagSet.StringVar(&role, "role", string(domain.RoleService), "role: user, admin or service")
	flagSet.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if err := validation.ValidateID(id, "id"); err != nil {
		return err
	}
	switch domain.Role(role) {
	case domain.RoleUser, domain.RoleAdmin, domain.RoleService:
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	auth := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	token, err := auth.GenerateToken(domain.Identity{
		ID:          domain.IdentityID(id),
		DisplayName: name,
		Role:        domain.Role(role),
	}, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
