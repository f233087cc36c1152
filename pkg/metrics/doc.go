/*
Package metrics provides Prometheus metrics collection and exposition for
FastStore.

Every metric is registered at package init against the default Prometheus
registry and exposed via Handler() for scraping. Categories:

  - Write-combine: hit/miss counts, flush latency by reason, waiters woken.
  - Index: live slice gauge, overlap-split counter, insert latency.
  - Trunk reclaim: bytes copied, per-trunk duration, lock-failure counter.
  - Replication: fan-out size histogram, per-group ack latency, peer-inactive
    counter, timeout counter.
  - Recovery: per-stage duration, replayed-record counter by op type, last
    observed data_version gauge per data group.
  - Topology: per-peer queue depth gauge, coalesced-event counter.

Timer is a small helper (start time plus ObserveDuration/ObserveDurationVec)
used by every package above to avoid repeating time.Since(start) at call
sites.
*/
package metrics
