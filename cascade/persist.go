/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// writeAtomic writes data to a temp file in the same directory as path,
// fsyncs it, and renames it over path. One helper shared by instance and
// zone-state persistence so a crash mid-write never leaves a
// half-written file where Cascade expects to find one.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("writeAtomic: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writeAtomic: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writeAtomic: fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writeAtomic: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writeAtomic: rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}

// instancePath names the on-disk file for one zone's unsigned or signed
// component under the configured state directory.
func instancePath(dir, zone, kind string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s.zone", zone, kind))
}

// WriteInstanceFile serializes inst as a zonefile-shaped text dump (SOA
// then records, one RR per line in `dns.RR.String()` form) and writes it
// atomically to dir/zone.kind.zone.
func WriteInstanceFile(dir, zone, kind string, inst InstanceData) error {
	var sb strings.Builder
	if inst.Soa != nil {
		sb.WriteString(inst.Soa.String())
		sb.WriteByte('\n')
	}
	for _, rr := range inst.Records {
		sb.WriteString(rr.String())
		sb.WriteByte('\n')
	}
	return writeAtomic(instancePath(dir, zone, kind), []byte(sb.String()))
}

// ReadInstanceFile reads back a file written by WriteInstanceFile, used on
// daemon startup to restore a zone's last-persisted current slots before
// the Loader delivers anything new.
func ReadInstanceFile(dir, zone, kind string) (InstanceData, error) {
	path := instancePath(dir, zone, kind)
	f, err := os.Open(path)
	if err != nil {
		return InstanceData{}, err
	}
	defer f.Close()
	return parseZonefile(zone, bufio.NewReader(f))
}

// zoneStateFile is the YAML-decodable shape of a zone's persisted
// in-memory state, decoded with the same gopkg.in/yaml.v3 the policy
// store and daemon config use.
type zoneStateFile struct {
	Name              string    `yaml:"name"`
	Policy            string    `yaml:"policy"`
	Source            Source    `yaml:"source"`
	HaltMode          int       `yaml:"halt_mode"`
	HaltReason        string    `yaml:"halt_reason,omitempty"`
	MinExpiration     time.Time `yaml:"min_expiration,omitempty"`
	NextMinExpiration time.Time `yaml:"next_min_expiration,omitempty"`
}

// zoneStatePath names the per-zone state file under dir.
func zoneStatePath(dir, zone string) string {
	return filepath.Join(dir, zone+".state.yaml")
}

// WriteZoneState serializes z's persisted fields to dir/zone.state.yaml,
// the debounced save target wired through Zone.ScheduleSave.
func WriteZoneState(dir string, z *Zone) error {
	z.mu.Lock()
	sf := zoneStateFile{
		Name:              z.Name,
		Policy:            z.policy.Name,
		Source:            z.source,
		HaltMode:          int(z.halt.Mode),
		HaltReason:        z.halt.Reason,
		MinExpiration:     z.minExpiration,
		NextMinExpiration: z.nextMinExpiration,
	}
	z.mu.Unlock()

	data, err := yaml.Marshal(sf)
	if err != nil {
		return fmt.Errorf("WriteZoneState: zone %s: %w", z.Name, err)
	}
	return writeAtomic(zoneStatePath(dir, z.Name), data)
}

// ReadZoneState reads back a zone-state file written by WriteZoneState.
// The caller is responsible for resolving Policy by name against a
// PolicyStore and reconstructing the Zone.
func ReadZoneState(dir, zone string) (*zoneStateFile, error) {
	data, err := os.ReadFile(zoneStatePath(dir, zone))
	if err != nil {
		return nil, err
	}
	var sf zoneStateFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("ReadZoneState: zone %s: %w", zone, err)
	}
	return &sf, nil
}

// WriteGlobalState persists the daemon-wide state file (currently just the
// registered zone list, each zone's own state living in its own file per
// WriteZoneState), atomically.
func WriteGlobalState(path string, zones []string) error {
	data, err := yaml.Marshal(struct {
		Zones []string `yaml:"zones"`
	}{Zones: zones})
	if err != nil {
		return fmt.Errorf("WriteGlobalState: %w", err)
	}
	return writeAtomic(path, data)
}

// ReadGlobalState reads back the daemon-wide state file.
func ReadGlobalState(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out struct {
		Zones []string `yaml:"zones"`
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("ReadGlobalState: %w", err)
	}
	return out.Zones, nil
}
