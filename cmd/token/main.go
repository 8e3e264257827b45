package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"taxosync/internal/config"
	"taxosync/pkg/logger"
	"taxosync/pkg/util"
)

// 为 operator 签发调用写接口用的 bearer token，secret 与服务端共用 jwt.secret
func main() {
	subject := flag.String("sub", "", "operator identity written to the sub claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.NewLogger(cfg.Server.LogLevel)
	defer log.Sync()

	if *subject == "" {
		log.Fatal("Missing -sub")
	}
	if cfg.JWT.Secret == "" {
		log.Fatal("jwt.secret is empty, the API runs without auth")
	}
	if *ttl <= 0 {
		log.Fatal("Invalid -ttl", zap.Duration("ttl", *ttl))
	}

	token, err := util.GenerateJWT(*subject, cfg.JWT.Secret, *ttl)
	if err != nil {
		log.Fatal("Failed to sign token", zap.Error(err))
	}
	log.Info("Token issued", zap.String("sub", *subject), zap.Duration("ttl", *ttl))
	fmt.Fprintln(os.Stdout, token)
}
