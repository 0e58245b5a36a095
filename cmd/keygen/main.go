// Command keygen mints one-shot referral keys. The plaintext keys are
// printed once; only their hashes reach the database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-data-analyst/internal/config"
	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
	"github.com/fairyhunter13/ai-data-analyst/internal/usecase"
)

func main() {
	count := flag.Int("n", 1, "number of referral keys to mint")
	createdBy := flag.String("by", "", "optional operator id recorded on the keys")
	flag.Parse()
	if *count < 1 {
		log.Fatal("need -n >= 1")
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		log.Fatal(err)
	}

	repo := postgres.NewReferralRepo(pool)
	var by *string
	if *createdBy != "" {
		by = createdBy
	}
	for i := 0; i < *count; i++ {
		token, err := usecase.GenerateToken()
		if err != nil {
			log.Fatal(err)
		}
		k := domain.ReferralKey{KeyHash: usecase.HashCredential(token), CreatedBy: by}
		if err := repo.Create(ctx, k); err != nil {
			log.Fatal(err)
		}
		fmt.Println(token)
	}
}
