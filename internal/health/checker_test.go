package health

import (
	"context"
	stderrors "errors"
	"testing"
	"time"
)

type db struct {
	err error
}

func (d *db) Ping(context.Context) error {
	return d.err
}

func TestChecker_ReportsDBFailure(t *testing.T) {
	d := &db{}
	c := NewChecker(&Config{CheckTimeout: time.Second, ID: "test"}, d, nil)

	status := c.GetHealthStatus()
	if !status.Healthy || len(status.Checks) != 1 {
		t.Fatalf("expected a healthy db-only status, got %+v", status)
	}

	d.err = stderrors.New("connection refused")
	c.checkDB(context.Background())

	status = c.GetHealthStatus()
	if status.Healthy || status.Checks[ComponentDB].Result {
		t.Fatalf("expected an unhealthy status, got %+v", status)
	}

	d.err = nil
	c.checkDB(context.Background())

	if !c.GetHealthStatus().Healthy {
		t.Fatal("expected recovery after a successful ping")
	}
}

func TestChecker_NothingToCheck(t *testing.T) {
	c := NewChecker(&Config{CheckTimeout: time.Second}, nil, nil)

	c.checkDB(context.Background())
	c.checkRedis(context.Background())

	status := c.GetHealthStatus()
	if !status.Healthy || len(status.Checks) != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
}
