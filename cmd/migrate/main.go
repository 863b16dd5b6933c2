package main

import (
	"flag"
	"os"

	"github.com/damoang/bagtag-backend/internal/config"
	"github.com/damoang/bagtag-backend/internal/migration"
	pkglogger "github.com/damoang/bagtag-backend/pkg/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "configs/config.local.yaml", "config file path")
	drop := flag.Bool("drop", false, "drop all tables before migrating (local only)")
	verbose := flag.Bool("verbose", false, "verbose SQL logging")
	flag.Parse()

	config.LoadDotEnv()
	pkglogger.InitStructured(os.Getenv("APP_ENV"))
	log := pkglogger.Component("migrate")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logLevel := gormlogger.Warn
	if *verbose {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.GetDSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to get underlying DB")
	}
	defer sqlDB.Close()

	if *drop {
		if cfg.Server.Env == "production" {
			log.Fatal().Msg("refusing to drop tables in production")
		}
		if err := migration.Drop(db); err != nil {
			log.Fatal().Err(err).Msg("drop failed")
		}
		log.Warn().Msg("all tables dropped")
	}

	if err := migration.Run(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Str("db", cfg.Database.DBName).Msg("migration complete")
}
