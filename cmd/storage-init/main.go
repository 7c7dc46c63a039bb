// Command storage-init creates the tables and queues the service expects.
// Existing resources are left alone so it can run on every deploy.
package main

import (
	"context"
	"errors"
	"os"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"talk2task/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}

	ctx := context.Background()

	if err := createTables(ctx, connStr, tableNames()); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	if err := createQueues(ctx, connStr, []string{os.Getenv("SYNC_FAILURE_QUEUE")}); err != nil {
		log.Fatalf("create queues: %v", err)
	}

	log.Info("storage init complete")
}

func tableNames() []string {
	return []string{
		envOr("TASKS_TABLE", "tasks"),
		envOr("CREDENTIALS_TABLE", "credentials"),
		envOr("CONVERSATIONS_TABLE", "conversations"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, storage.TableClientOptions())
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
			return err
		}
		log.WithField("table", name).Debug("table ready")
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, storage.QueueClientOptions())
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, "QueueAlreadyExists") {
			return err
		}
		log.WithField("queue", name).Debug("queue ready")
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
