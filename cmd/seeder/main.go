// Seeder applies the schema and inserts development fixtures: a handful
// of users at interesting balances for exercising the sufficiency check
// and the zero floor by hand.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/rs/zerolog"

	"github.com/portraitlab/stella/internal/config"
	"github.com/portraitlab/stella/internal/store"
)

func main() {
	cfg := config.Load()

	st, err := store.New(cfg.DatabaseURL, cfg.PoolMinConns, cfg.PoolMaxConns, cfg.DefaultBalance, zerolog.Nop())
	if err != nil {
		log.Fatal("postgres connection failed: ", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("Connected to DB")

	fmt.Println("Ensuring schema...")
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatal("schema creation failed: ", err)
	}

	fmt.Println("Seeding test users...")
	fixtures := []struct {
		userID   int64
		username string
		topUp    int64
	}{
		{100001, "dev_rich", 500},    // can afford many generations
		{100002, "dev_exact", 15},    // default 10 + 15 = exactly one generation
		{100003, "dev_broke", 0},     // default grant only, below one generation
		{100004, "dev_zero", -10000}, // floored at zero
	}

	for _, f := range fixtures {
		created, balance, err := st.UpsertUser(ctx, f.userID, f.username, "", "")
		if err != nil {
			log.Fatalf("seeding user %d failed: %v", f.userID, err)
		}
		if f.topUp != 0 {
			balance, err = st.ApplyDelta(ctx, f.userID, f.topUp)
			if err != nil {
				log.Fatalf("topping up user %d failed: %v", f.userID, err)
			}
		}
		fmt.Printf("  user %d (%s): created=%v balance=%d\n", f.userID, f.username, created, balance)
	}

	fmt.Println("Seeding complete")
}
