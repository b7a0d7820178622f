// generate_token выпускает JWT для пациента или врача. Нужен для ручной
// проверки API и WebSocket без сервиса авторизации.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"homecare-backend/internal/config"
	"homecare-backend/internal/models"
	"homecare-backend/internal/utils"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
		secret string
	)

	cmd := &cobra.Command{
		Use:   "generate_token",
		Short: "Выпустить JWT для пользователя",
		RunE: func(cmd *cobra.Command, args []string) error {
			r := models.Role(role)
			if !r.Valid() {
				return fmt.Errorf("неизвестная роль %q, ожидается patient или doctor", role)
			}
			if secret == "" {
				cfg, err := config.Load()
				if err != nil {
					return fmt.Errorf("загрузка конфигурации: %w", err)
				}
				secret = cfg.JWTSecret
				if ttl == 0 {
					ttl = cfg.JWTTTL
				}
			}
			if secret == "" {
				return fmt.Errorf("JWT_SECRET не задан")
			}
			if ttl <= 0 {
				ttl = 24 * time.Hour
			}

			token, err := utils.GenerateJWT(secret, userID, r, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "идентификатор пользователя")
	cmd.Flags().StringVar(&role, "role", string(models.RolePatient), "роль: patient или doctor")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "срок жизни токена (по умолчанию JWT_TTL)")
	cmd.Flags().StringVar(&secret, "secret", "", "секрет подписи (по умолчанию JWT_SECRET)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
