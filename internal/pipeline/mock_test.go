package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/pems-cli/internal/pems"
	"github.com/sells-group/pems-cli/internal/weather"
)

// --- Downloader Mock ---

type mockDownloader struct {
	mock.Mock
}

func (m *mockDownloader) FetchAll(ctx context.Context, r pems.DateRange, specs []pems.FileSpec) ([]pems.FileDescriptor, error) {
	args := m.Called(ctx, r, specs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]pems.FileDescriptor), args.Error(1)
}

func connectTo(d Downloader) Connector {
	return func(context.Context) (Downloader, error) { return d, nil }
}

// --- Enricher Mock ---

type mockEnricher struct {
	mock.Mock
}

func (m *mockEnricher) Enrich(ctx context.Context, sink weather.Sink, req weather.Request) (int64, error) {
	args := m.Called(ctx, sink, req)
	return args.Get(0).(int64), args.Error(1)
}
