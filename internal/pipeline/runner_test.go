package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/clover-project/clover-datasets/internal/decode"
	"github.com/clover-project/clover-datasets/internal/failures"
	"github.com/clover-project/clover-datasets/internal/fetch"
	"github.com/clover-project/clover-datasets/internal/normalize"
	"github.com/clover-project/clover-datasets/internal/pipeline"
	"github.com/clover-project/clover-datasets/internal/registry"
	"github.com/clover-project/clover-datasets/internal/status"
	"github.com/clover-project/clover-datasets/internal/store"
)

// csvBody returns a header plus n rows; the first bad rows carry a non-numeric feature
func csvBody(n, bad int) string {
	var b strings.Builder
	b.WriteString("x1,x2,y\n")
	for i := range n {
		x1 := fmt.Sprintf("%d", i)
		if i < bad {
			x1 = "n/a"
		}
		fmt.Fprintf(&b, "%s,%d.5,%d\n", x1, i%7, 3*i)
	}
	return b.String()
}

func newServer(handler http.HandlerFunc) *httptest.Server {
	srv := httptest.NewUnstartedServer(handler)
	srv.Config.SetKeepAlivesEnabled(false)
	srv.Start()
	return srv
}

var _ = Describe("Runner", func() {
	var (
		ctx        context.Context
		cacheDir   string
		outputDir  string
		fetcher    *fetch.Fetcher
		st         *store.Store
		statuses   status.StatusPersistence
		runner     *pipeline.Runner
		split      normalize.SplitConfig
		servers    []*httptest.Server
		failedHits atomic.Int32
	)

	serve := func(handler http.HandlerFunc) string {
		srv := newServer(handler)
		servers = append(servers, srv)
		return srv.URL
	}
	failing := func() string {
		return serve(func(w http.ResponseWriter, _ *http.Request) {
			failedHits.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		})
	}
	serving := func(body string) string {
		return serve(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		})
	}
	descriptor := func(key string, urls ...string) registry.Descriptor {
		return registry.Descriptor{Key: key, URLs: urls, Format: registry.FormatCSV, Target: "y"}
	}

	BeforeEach(func() {
		ctx = context.Background()
		root := GinkgoT().TempDir()
		cacheDir = filepath.Join(root, "cache")
		outputDir = filepath.Join(root, "processed")
		failedHits.Store(0)
		servers = nil

		fetcher = fetch.New(cacheDir,
			fetch.WithMaxAttempts(2),
			fetch.WithBackoff(time.Millisecond, time.Second),
			fetch.WithAttemptTimeout(5*time.Second),
		)
		var err error
		st, err = store.New(outputDir)
		Expect(err).NotTo(HaveOccurred())

		statuses = status.NewFileStatusPersistence(filepath.Join(cacheDir, status.DirName))
		runner = pipeline.New(fetcher, decode.New(), normalize.New(), st,
			pipeline.WithWorkers(2),
			pipeline.WithTracker(status.NewTracker(statuses)),
		)
		split = normalize.SplitConfig{Train: 0.6, Calibration: 0.2, Test: 0.2, Seed: 42}
	})

	AfterEach(func() {
		for _, srv := range servers {
			srv.Close()
		}
	})

	Describe("Process with fetch", func() {
		It("falls back to the second mirror and stores a 60/20/20 split", func() {
			desc := descriptor("toy", failing()+"/toy.csv", serving(csvBody(100, 0))+"/toy.csv")

			report := runner.Process(ctx, []registry.Descriptor{desc}, pipeline.ProcessOptions{Split: split, Fetch: true})
			Expect(report.Err()).NotTo(HaveOccurred())
			Expect(report.Results).To(HaveLen(1))
			Expect(failedHits.Load()).To(Equal(int32(2)))

			res := report.Results[0]
			Expect(res.Entry.URL).To(HaveSuffix("/toy.csv"))
			Expect(res.Entry.URL).NotTo(HavePrefix(servers[0].URL))
			Expect(res.Manifest.Counts).To(Equal(store.SplitCounts{Train: 60, Calibration: 20, Test: 20}))

			ds, err := st.Load(ctx, "toy")
			Expect(err).NotTo(HaveOccurred())
			Expect(ds.Rows()).To(Equal(100))
			Expect(ds.Counts()).To(Equal([3]int{60, 20, 20}))
			Expect(ds.Columns).To(Equal([]string{"x1", "x2"}))

			s, err := statuses.LoadStatus(ctx, "toy")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Process.Phase).To(Equal(status.PhaseComplete))
			Expect(s.Process.Rows).To(Equal(100))
			Expect(s.Process.RunID).To(Equal(res.Manifest.RunID))
		})

		It("produces the same split on every run", func() {
			desc := descriptor("toy", serving(csvBody(50, 0))+"/toy.csv")
			opts := pipeline.ProcessOptions{Split: split, Fetch: true}

			Expect(runner.Process(ctx, []registry.Descriptor{desc}, opts).Err()).NotTo(HaveOccurred())
			first, err := st.Load(ctx, "toy")
			Expect(err).NotTo(HaveOccurred())

			Expect(runner.Process(ctx, []registry.Descriptor{desc}, opts).Err()).NotTo(HaveOccurred())
			second, err := st.Load(ctx, "toy")
			Expect(err).NotTo(HaveOccurred())

			Expect(second.Split).To(Equal(first.Split))
		})

		It("fails with a decode error when too many rows are malformed", func() {
			desc := descriptor("toy", serving(csvBody(100, 8))+"/toy.csv")

			report := runner.Process(ctx, []registry.Descriptor{desc}, pipeline.ProcessOptions{Split: split, Fetch: true})
			Expect(report.Failed()).To(HaveLen(1))
			Expect(errors.Is(report.Err(), failures.ErrDecode)).To(BeTrue())

			_, err := st.Load(ctx, "toy")
			Expect(errors.Is(err, failures.ErrNotProcessed)).To(BeTrue())

			s, err := statuses.LoadStatus(ctx, "toy")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Process.Phase).To(Equal(status.PhaseFailed))
			Expect(s.Process.Message).To(ContainSubstring("above the 5.00% threshold"))
		})

		It("rejects invalid split fractions as a configuration error", func() {
			desc := descriptor("toy", serving(csvBody(10, 0))+"/toy.csv")
			bad := normalize.SplitConfig{Train: 0.5, Calibration: 0.5, Test: 0.5}

			report := runner.Process(ctx, []registry.Descriptor{desc}, pipeline.ProcessOptions{Split: bad, Fetch: true})
			Expect(errors.Is(report.Err(), failures.ErrConfig)).To(BeTrue())
		})
	})

	Describe("Process without fetch", func() {
		It("fails datasets that were never downloaded", func() {
			desc := descriptor("toy", serving(csvBody(10, 0))+"/toy.csv")

			report := runner.Process(ctx, []registry.Descriptor{desc}, pipeline.ProcessOptions{Split: split})
			Expect(errors.Is(report.Err(), failures.ErrFetch)).To(BeTrue())
			Expect(report.Err().Error()).To(ContainSubstring("run download first"))
		})

		It("uses the cache filled by download", func() {
			var hits atomic.Int32
			url := serve(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				_, _ = w.Write([]byte(csvBody(20, 0)))
			})
			desc := descriptor("toy", url+"/toy.csv")

			download := runner.Download(ctx, []registry.Descriptor{desc}, false)
			Expect(download.Err()).NotTo(HaveOccurred())

			report := runner.Process(ctx, []registry.Descriptor{desc}, pipeline.ProcessOptions{Split: split})
			Expect(report.Err()).NotTo(HaveOccurred())
			Expect(hits.Load()).To(Equal(int32(1)))

			s, err := statuses.LoadStatus(ctx, "toy")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Download.Phase).To(Equal(status.PhaseComplete))
			Expect(s.Download.SHA256).To(Equal(download.Results[0].Entry.SHA256))
		})
	})

	Describe("Bulk runs", func() {
		It("collects failures without stopping other datasets", func() {
			good := serving(csvBody(30, 0))
			descs := []registry.Descriptor{
				descriptor("alpha", good+"/alpha.csv"),
				descriptor("broken", failing()+"/broken.csv"),
				descriptor("gamma", good+"/gamma.csv"),
				descriptor("local", "file://"+filepath.ToSlash(writeLocal(csvBody(12, 0)))),
			}

			report := runner.Download(ctx, descs, false)
			Expect(report.Results).To(HaveLen(4))
			Expect(report.Results[0].Key).To(Equal("alpha"))
			Expect(report.Results[1].Key).To(Equal("broken"))
			Expect(report.Succeeded()).To(HaveLen(3))
			Expect(report.Failed()).To(HaveLen(1))
			Expect(errors.Is(report.Results[1].Err, failures.ErrFetch)).To(BeTrue())
			Expect(report.Summary()).To(Equal("download: 3 succeeded, 1 failed"))

			entry, err := fetcher.Cached("gamma")
			Expect(err).NotTo(HaveOccurred())
			Expect(entry).NotTo(BeNil())

			s, err := statuses.LoadStatus(ctx, "broken")
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Download.Phase).To(Equal(status.PhaseFailed))
		})

		It("reports every dataset as cancelled when the context is done", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			descs := []registry.Descriptor{
				descriptor("alpha", serving(csvBody(5, 0))+"/alpha.csv"),
				descriptor("beta", serving(csvBody(5, 0))+"/beta.csv"),
			}
			report := runner.Download(cancelled, descs, false)
			Expect(report.Failed()).To(HaveLen(2))
			for _, res := range report.Results {
				Expect(errors.Is(res.Err, context.Canceled)).To(BeTrue())
				var fe *failures.Error
				Expect(errors.As(res.Err, &fe)).To(BeTrue())
				Expect(fe.Key).To(Equal(res.Key))
				Expect(fe.Stage).To(Equal(failures.StageFetch))
				Expect(res.Err.Error()).To(Equal("fetch " + res.Key + ": context canceled"))
			}
		})
	})
})

func writeLocal(body string) string {
	path := filepath.Join(GinkgoT().TempDir(), "local.csv")
	Expect(os.WriteFile(path, []byte(body), 0600)).To(Succeed())
	return path
}
