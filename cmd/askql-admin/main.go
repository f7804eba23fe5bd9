package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/malbeclabs/askql/internal/admin"
)

func main() {
	_ = godotenv.Load()
	os.Exit(int(admin.Run()))
}
