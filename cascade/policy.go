/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package cascade

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// LoaderPolicy is the loader-review slice of a Policy.
type LoaderPolicy struct {
	ReviewRequired bool
	ReviewHook     string
}

// SignerPolicy is the signer slice of a Policy.
type SignerPolicy struct {
	SerialPolicy        string // "increment" | "unixtime" | "keep"
	SigInceptionOffset  time.Duration
	SigLifetime         time.Duration
	SigRemainTime       time.Duration
	DenialMode          string // "nsec" | "nsec3"
	Nsec3OptOut         bool
	ReviewRequired      bool
	ReviewHook          string
}

// KeyManagerPolicy is the key-manager slice of a Policy.
type KeyManagerPolicy struct {
	Algorithm      string
	KskLifetime    time.Duration
	ZskLifetime    time.Duration
	RolloverMargin time.Duration
	HsmBinding     string
}

// ServerPolicy is the server slice of a Policy: NOTIFY targets and
// XFR ACLs.
type ServerPolicy struct {
	NotifyTargets []string
	XfrACLs       []string
}

// Policy is an immutable, reference-counted snapshot of per-zone
// configuration. Once constructed it is never mutated; a config
// reload produces a brand-new Policy and zones holding the old snapshot
// keep using it until they next consult the registry.
type Policy struct {
	Name    string
	Loader  LoaderPolicy
	Signer  SignerPolicy
	KeyMgr  KeyManagerPolicy
	Server  ServerPolicy

	mu    sync.Mutex
	zones map[string]bool // back-reference set, names only
}

// policyFile is the YAML-decodable shape of one policy file: a
// loosely-typed struct decoded straight off disk and then normalized
// into a stricter runtime type.
type policyFile struct {
	Name string `yaml:"name"`

	Loader struct {
		ReviewRequired bool   `yaml:"review_required"`
		ReviewHook     string `yaml:"review_hook"`
	} `yaml:"loader"`

	Signer struct {
		SerialPolicy       string `yaml:"serial_policy"`
		SigInceptionOffset string `yaml:"sig_inception_offset"`
		SigLifetime        string `yaml:"sig_lifetime"`
		SigRemainTime      string `yaml:"sig_remain_time"`
		DenialMode         string `yaml:"denial_mode"`
		Nsec3OptOut        bool   `yaml:"nsec3_opt_out"`
		ReviewRequired     bool   `yaml:"review_required"`
		ReviewHook         string `yaml:"review_hook"`
	} `yaml:"signer"`

	KeyManager struct {
		Algorithm      string `yaml:"algorithm"`
		KskLifetime    string `yaml:"ksk_lifetime"`
		ZskLifetime    string `yaml:"zsk_lifetime"`
		RolloverMargin string `yaml:"rollover_margin"`
		HsmBinding     string `yaml:"hsm_binding"`
	} `yaml:"key_manager"`

	Server struct {
		NotifyTargets []string `yaml:"notify_targets"`
		XfrACLs       []string `yaml:"xfr_acls"`
	} `yaml:"server"`
}

func newPolicyFromFile(pf *policyFile) (*Policy, error) {
	dur := func(s, field string) (time.Duration, error) {
		if s == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("policy %q: invalid %s %q: %w", pf.Name, field, s, err)
		}
		return d, nil
	}

	sigInception, err := dur(pf.Signer.SigInceptionOffset, "signer.sig_inception_offset")
	if err != nil {
		return nil, err
	}
	sigLifetime, err := dur(pf.Signer.SigLifetime, "signer.sig_lifetime")
	if err != nil {
		return nil, err
	}
	sigRemain, err := dur(pf.Signer.SigRemainTime, "signer.sig_remain_time")
	if err != nil {
		return nil, err
	}
	kskLife, err := dur(pf.KeyManager.KskLifetime, "key_manager.ksk_lifetime")
	if err != nil {
		return nil, err
	}
	zskLife, err := dur(pf.KeyManager.ZskLifetime, "key_manager.zsk_lifetime")
	if err != nil {
		return nil, err
	}
	rolloverMargin, err := dur(pf.KeyManager.RolloverMargin, "key_manager.rollover_margin")
	if err != nil {
		return nil, err
	}

	return &Policy{
		Name: pf.Name,
		Loader: LoaderPolicy{
			ReviewRequired: pf.Loader.ReviewRequired,
			ReviewHook:     pf.Loader.ReviewHook,
		},
		Signer: SignerPolicy{
			SerialPolicy:       orDefault(pf.Signer.SerialPolicy, "keep"),
			SigInceptionOffset: sigInception,
			SigLifetime:        sigLifetime,
			SigRemainTime:      sigRemain,
			DenialMode:         orDefault(pf.Signer.DenialMode, "nsec"),
			Nsec3OptOut:        pf.Signer.Nsec3OptOut,
			ReviewRequired:     pf.Signer.ReviewRequired,
			ReviewHook:         pf.Signer.ReviewHook,
		},
		KeyMgr: KeyManagerPolicy{
			Algorithm:      orDefault(pf.KeyManager.Algorithm, "ECDSAP256SHA256"),
			KskLifetime:    kskLife,
			ZskLifetime:    zskLife,
			RolloverMargin: rolloverMargin,
			HsmBinding:     pf.KeyManager.HsmBinding,
		},
		Server: ServerPolicy{
			NotifyTargets: pf.Server.NotifyTargets,
			XfrACLs:       pf.Server.XfrACLs,
		},
		zones: make(map[string]bool),
	}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// AddZone records that zone uses this policy snapshot.
func (p *Policy) AddZone(zone string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.zones[zone] = true
}

// RemoveZone drops zone from this policy's back-reference set.
func (p *Policy) RemoveZone(zone string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.zones, zone)
}

// InUse reports whether any zone still references this policy, used to
// implement PolicyMidDeletion.
func (p *Policy) InUse() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.zones) > 0
}

// PolicyStore is the registry of named Policy snapshots, loaded from a
// directory of `*.yaml` files, one policy per file.
type PolicyStore struct {
	mu       sync.RWMutex
	dir      string
	policies map[string]*Policy
}

// NewPolicyStore creates an empty PolicyStore rooted at dir.
func NewPolicyStore(dir string) *PolicyStore {
	return &PolicyStore{dir: dir, policies: make(map[string]*Policy)}
}

// LoadDir (re)loads every `*.yaml`/`*.yml` file in the policy directory:
// hidden files (a `.` prefix) and other extensions are skipped silently;
// subdirectories are skipped with a warning. Policies currently in use by
// a zone are replaced in place only if still present in the directory;
// policies removed from disk remain available until no zone uses them
// (deletion is the caller's responsibility via Remove).
func (ps *PolicyStore) LoadDir() ([]string, error) {
	entries, err := os.ReadDir(ps.dir)
	if err != nil {
		return nil, fmt.Errorf("policy directory %q: %w", ps.dir, err)
	}

	var warnings []string
	loaded := make(map[string]*Policy)

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if entry.IsDir() {
			warnings = append(warnings, fmt.Sprintf("policy directory: ignoring subdirectory %q", name))
			continue
		}
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(ps.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("policy file %q: %w", path, err)
		}
		var pf policyFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return nil, fmt.Errorf("policy file %q: %w", path, err)
		}
		if pf.Name == "" {
			pf.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}

		policy, err := newPolicyFromFile(&pf)
		if err != nil {
			return nil, err
		}
		loaded[policy.Name] = policy
	}

	ps.mu.Lock()
	for name, policy := range loaded {
		if old, ok := ps.policies[name]; ok {
			policy.zones = old.zones
		}
		ps.policies[name] = policy
	}
	ps.mu.Unlock()

	return warnings, nil
}

// Get returns the named policy, or ErrNoSuchPolicy.
func (ps *PolicyStore) Get(name string) (*Policy, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.policies[name]
	if !ok {
		return nil, ErrNoSuchPolicy(name)
	}
	return p, nil
}

// List returns the names of all loaded policies.
func (ps *PolicyStore) List() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	names := make([]string, 0, len(ps.policies))
	for name := range ps.policies {
		names = append(names, name)
	}
	return names
}

// Remove deletes a policy by name, failing with PolicyMidDeletion if any
// zone still references it.
func (ps *PolicyStore) Remove(name string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.policies[name]
	if !ok {
		return ErrNoSuchPolicy(name)
	}
	if p.InUse() {
		return ErrPolicyMidDeletion(name)
	}
	delete(ps.policies, name)
	return nil
}
