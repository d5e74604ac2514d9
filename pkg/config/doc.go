// Package config loads environment variables into typed configuration structs.
//
// It combines github.com/joho/godotenv (optional .env files) and
// github.com/caarlos0/env/v11 (struct tags). Every configuration type is parsed once and
// cached, so packages can call Load for their own Config without coordinating.
// Structs implementing Validator are checked after parsing.
//
//	var cfg processor.Config
//	config.MustLoad(&cfg)
package config
