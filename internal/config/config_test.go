package config

import "testing"

const sample = `
dbname: relaydb
groups: 4
group_size: 3
reads: 2
writes: 2
id_key: relaydb-next-id
failover_id_key_prefix: relaydb-failover-
storage:
  directory: /tmp/relaydb-data
  compaction_threshold_kb: 4
  read_cache_entries: 256
`

func TestParseAppliesAllFields(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cluster.DBName != "relaydb" || cfg.Cluster.Groups != 4 || cfg.Cluster.GroupSize != 3 {
		t.Fatalf("unexpected cluster config: %+v", cfg.Cluster)
	}
	if cfg.StorageDir != "/tmp/relaydb-data" || cfg.CompactionThresholdKB != 4 || cfg.ReadCacheEntries != 256 {
		t.Fatalf("unexpected storage config: dir=%s threshold=%d cache=%d", cfg.StorageDir, cfg.CompactionThresholdKB, cfg.ReadCacheEntries)
	}
	if cfg.CompactionThresholdBytes() != 4096 {
		t.Fatalf("expected 4096 bytes, got %d", cfg.CompactionThresholdBytes())
	}
}

func TestParseAppliesDefaultsWhenStorageBlockOmitted(t *testing.T) {
	cfg, err := Parse([]byte(`
dbname: relaydb
groups: 1
group_size: 1
reads: 1
writes: 1
id_key: k
failover_id_key_prefix: f-
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StorageDir != "./data" || cfg.CompactionThresholdKB != 2 || cfg.ReadCacheEntries != 1024 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestParseRejectsZeroGroupSize(t *testing.T) {
	_, err := Parse([]byte("dbname: x\ngroups: 1\ngroup_size: 0\nreads: 1\n"))
	if err == nil {
		t.Fatal("expected error for zero group_size")
	}
}
