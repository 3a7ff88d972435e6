package zadacha

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/zadacha/taskdb"
	"github.com/drpcorg/zadacha/tasks"
)

var SchedulerTicks = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "zadacha",
	Subsystem: "scheduler",
	Name:      "ticks",
})

var EnqueuedTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "zadacha",
	Subsystem: "scheduler",
	Name:      "enqueued_tasks",
}, []string{"kind"})

var FinishedTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "zadacha",
	Subsystem: "scheduler",
	Name:      "finished_tasks",
}, []string{"kind", "status"})

var BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "zadacha",
	Subsystem: "scheduler",
	Name:      "batch_size",
	Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
})

var ProcessingBatch = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "zadacha",
	Subsystem: "scheduler",
	Name:      "processing_batch_size",
})

// StoreCollector exposes queue depths per status and the write-path health
// of the underlying Pebble database, read live at scrape time.
type StoreCollector struct {
	store *taskdb.Store

	queuedTasks *prometheus.Desc
	nextUID     *prometheus.Desc

	memtableSize  *prometheus.Desc
	memtableCount *prometheus.Desc

	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc

	compactionCount         *prometheus.Desc
	compactionEstimatedDebt *prometheus.Desc
}

func NewStoreCollector(store *taskdb.Store) *StoreCollector {
	return &StoreCollector{
		store: store,

		queuedTasks: prometheus.NewDesc(
			"zadacha_store_tasks",
			"Number of tasks per status",
			[]string{"status"}, nil,
		),
		nextUID: prometheus.NewDesc(
			"zadacha_store_next_task_uid",
			"The uid the next registered task will receive",
			nil, nil,
		),

		memtableSize: prometheus.NewDesc(
			"zadacha_store_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"zadacha_store_memtable_count_total",
			"Current count of memtables",
			nil, nil,
		),

		walFiles: prometheus.NewDesc(
			"zadacha_store_wal_files_total",
			"Number of live WAL files",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"zadacha_store_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"zadacha_store_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, nil,
		),

		compactionCount: prometheus.NewDesc(
			"zadacha_store_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionEstimatedDebt: prometheus.NewDesc(
			"zadacha_store_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted to reach a stable state",
			nil, nil,
		),
	}
}

func (sc *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.queuedTasks
	ch <- sc.nextUID

	ch <- sc.memtableSize
	ch <- sc.memtableCount

	ch <- sc.walFiles
	ch <- sc.walSize
	ch <- sc.walBytesWritten

	ch <- sc.compactionCount
	ch <- sc.compactionEstimatedDebt
}

func (sc *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	snap := sc.store.Snapshot()
	defer snap.Close()

	for _, status := range tasks.AllStatuses {
		bucket, err := sc.store.StatusBucket(snap, status)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(
			sc.queuedTasks,
			prometheus.GaugeValue,
			float64(bucket.GetCardinality()),
			status.String(),
		)
	}
	if next, err := sc.store.NextUID(snap); err == nil {
		ch <- prometheus.MustNewConstMetric(
			sc.nextUID,
			prometheus.GaugeValue,
			float64(next),
		)
	}

	pm := sc.store.DB().Metrics()

	ch <- prometheus.MustNewConstMetric(
		sc.memtableSize,
		prometheus.GaugeValue,
		float64(pm.MemTable.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.memtableCount,
		prometheus.GaugeValue,
		float64(pm.MemTable.Count),
	)

	ch <- prometheus.MustNewConstMetric(
		sc.walFiles,
		prometheus.GaugeValue,
		float64(pm.WAL.Files),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.walSize,
		prometheus.GaugeValue,
		float64(pm.WAL.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.walBytesWritten,
		prometheus.CounterValue,
		float64(pm.WAL.BytesWritten),
	)

	ch <- prometheus.MustNewConstMetric(
		sc.compactionCount,
		prometheus.CounterValue,
		float64(pm.Compact.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.compactionEstimatedDebt,
		prometheus.GaugeValue,
		float64(pm.Compact.EstimatedDebt),
	)
}
