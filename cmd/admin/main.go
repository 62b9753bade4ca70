package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"teamchat/backend/internal/config"
	"teamchat/backend/internal/storage"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const usage = `Usage: admin <command> [args]

Commands:
  promote <user_id>            grant the admin flag
  demote <user_id>             withdraw the admin flag
  add-member <room_id> <user_id>
  revoke-sessions <user_id>    end every refresh session of the user
  delete-user <user_id>        delete the account and its sessions`

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, cfg, os.Args[1], os.Args[2:]); err != nil {
		log.Fatal().Err(err).Str("command", os.Args[1]).Msg("command failed")
	}
}

func run(ctx context.Context, cfg config.Config, command string, args []string) error {
	need := map[string]int{
		"promote":         1,
		"demote":          1,
		"add-member":      2,
		"revoke-sessions": 1,
		"delete-user":     1,
	}
	n, ok := need[command]
	if !ok {
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
	if len(args) != n {
		return fmt.Errorf("%s takes %d argument(s)\n%s", command, n, usage)
	}

	svc, closeFn, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	switch command {
	case "promote", "demote":
		if err := svc.SetAdmin(ctx, args[0], command == "promote"); err != nil {
			return err
		}
		fmt.Printf("User %s updated (admin=%t).\n", args[0], command == "promote")
	case "add-member":
		added, err := svc.AddMember(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if !added {
			fmt.Printf("User %s is already a member of %s.\n", args[1], args[0])
			return nil
		}
		fmt.Printf("User %s added to %s.\n", args[1], args[0])
	case "revoke-sessions":
		if err := refreshStore(svc, cfg).DeleteAllForUser(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Sessions of %s revoked.\n", args[0])
	case "delete-user":
		if err := svc.DeleteUser(ctx, args[0]); err != nil {
			return err
		}
		if err := refreshStore(svc, cfg).DeleteAllForUser(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("User %s deleted.\n", args[0])
	}
	return nil
}

// openStorage connects through database/sql with the pq driver and hands
// the pool to GORM.
func openStorage(ctx context.Context, cfg config.Config) (*storage.Service, func(), error) {
	sqlDB, err := sql.Open("postgres", cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("open gorm: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	closeFn := func() {
		rdb.Close()
		sqlDB.Close()
	}
	return storage.NewStorageService(db, rdb), closeFn, nil
}

func refreshStore(svc *storage.Service, cfg config.Config) *storage.RefreshTokenStore {
	return storage.NewRefreshTokenStore(svc.Redis, cfg.RefreshRetention)
}
