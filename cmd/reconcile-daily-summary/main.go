package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/retailops_backend/config"
	"github.com/mmdatafocus/retailops_backend/models"
	"github.com/mmdatafocus/retailops_backend/repository"
	"github.com/mmdatafocus/retailops_backend/utils"
	"github.com/mmdatafocus/retailops_backend/workflow"
)

func main() {
	storeID := flag.String("store-id", "", "Optional: reconcile only one store. If empty, reconciles all stores.")
	date := flag.String("date", "", "Optional: date key (YYYY-MM-DD) to reconcile. Defaults to the previous day in each store's timezone. Requires -store-id.")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()

	// Ensure schema is up-to-date (creates daily_summaries if missing).
	models.MigrateTable()

	logger := config.GetLogger()
	repos := repository.NewGormRepos(db)
	reconciler := workflow.NewReconciler(repos, utils.SystemClock, logger)

	dateKey := strings.TrimSpace(*date)
	sid := strings.TrimSpace(*storeID)

	if dateKey != "" {
		if sid == "" {
			fmt.Fprintln(os.Stderr, "-date requires -store-id")
			os.Exit(1)
		}
		if err := reconciler.RunStoreDate(ctx, sid, dateKey); err != nil {
			fmt.Fprintf(os.Stderr, "store %s: reconcile %s failed: %v\n", sid, dateKey, err)
			os.Exit(1)
		}
		fmt.Printf("store %s: reconciled %s\n", sid, dateKey)
		return
	}

	if sid != "" {
		ctx := utils.SetSkipTenantScopeInContext(ctx, true)
		store, err := repos.Stores().GetById(ctx, sid)
		if err != nil {
			fmt.Fprintf(os.Stderr, "store %s: %v\n", sid, err)
			os.Exit(1)
		}
		key, start, end := utils.PreviousDayWindow(utils.SystemClock.Now(), store.Timezone)
		if err := reconciler.ReconcileStoreDay(ctx, store, key, start, end); err != nil {
			fmt.Fprintf(os.Stderr, "store %s: reconcile %s failed: %v\n", sid, key, err)
			os.Exit(1)
		}
		fmt.Printf("store %s: reconciled %s\n", sid, key)
		return
	}

	if err := reconciler.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "reconciliation finished with errors: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("reconciliation complete")
}
