/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package dns_cache implements the operator override table consulted
// before internal/target/remote resolves a destination's MX/A records for
// the RouteMX path of spec §4.4's outbound delivery engine (spec §1
// Non-goals leave DNS resolution itself external; this only short-circuits
// it with an explicit mapping). A domain or IP-literal destination with a
// matching lookup_key row is redirected to TargetHost without ever
// touching the OS resolver — useful for migrating a domain's mail flow
// ahead of a DNS cutover, or pointing a RouteMX destination at a staging
// MTA during testing.
package dns_cache

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/spilledink/mailcore/framework/log"
	mdb "github.com/spilledink/mailcore/internal/db"
	"gorm.io/gorm"
)

// Cache wraps a GORM database to provide DNS resolution with local overrides.
type Cache struct {
	db  *gorm.DB
	log log.Logger
}

// New creates a dns_cache.Cache from the given GORM database connection
// (in this tree, the Store façade's own connection via Store.Raw() — the
// override table lives alongside the façade's tables rather than behind a
// separate connection pool). It automatically runs AutoMigrate for the
// DNSOverride table.
func New(db *gorm.DB, logger log.Logger) (*Cache, error) {
	if err := db.AutoMigrate(&mdb.DNSOverride{}); err != nil {
		return nil, err
	}
	return &Cache{db: db, log: logger}, nil
}

// normalizeLookupKey canonicalizes a domain or IP-literal destination into
// the form DNSOverride.LookupKey rows are stored and matched under: no
// surrounding IP-literal brackets or "ipv6:" prefix, no trailing root dot,
// lowercased. Every read and write path below routes through this so a
// domain typed with any casing/trailing-dot variant hits the same row.
func normalizeLookupKey(key string) string {
	key = strings.TrimPrefix(key, "[")
	key = strings.TrimSuffix(key, "]")
	if strings.HasPrefix(strings.ToLower(key), "ipv6:") {
		key = key[len("ipv6:"):]
	}
	key = strings.TrimSuffix(key, ".")
	return strings.ToLower(key)
}

// Resolve looks up the target host for the given key (domain name or IP).
//
// It ONLY returns a result when there is an explicit override in the database.
// If no override exists, it returns an empty string so the caller uses the
// original hostname for connecting (which preserves proper TLS certificate
// verification and MTA-STS compatibility).
func (c *Cache) Resolve(ctx context.Context, key string) (string, error) {
	lookupKey := normalizeLookupKey(key)

	var override mdb.DNSOverride
	err := c.db.WithContext(ctx).Where("lookup_key = ?", lookupKey).First(&override).Error
	if err == nil {
		c.log.DebugMsg("DNS cache hit", "key", lookupKey, "target", override.TargetHost)
		return override.TargetHost, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		c.log.Error("DNS cache DB error", err, "key", lookupKey)
	}

	// No override — return empty so the caller uses the original hostname
	return "", nil
}

// ResolveMX resolves the MX host for a domain, the lookup
// internal/target/remote performs before a RouteMX delivery attempt. It
// first checks the local override table; an override yields a single
// synthetic MX record pointing at TargetHost with cacheHit=true. Otherwise
// it performs a standard MX lookup via the OS resolver and returns
// cacheHit=false.
func (c *Cache) ResolveMX(ctx context.Context, domain string) (records []*net.MX, cacheHit bool, err error) {
	lookupKey := normalizeLookupKey(domain)

	var override mdb.DNSOverride
	dbErr := c.db.WithContext(ctx).Where("lookup_key = ?", lookupKey).First(&override).Error
	if dbErr == nil {
		c.log.DebugMsg("DNS cache MX override", "domain", lookupKey, "target", override.TargetHost)
		return []*net.MX{{Host: override.TargetHost, Pref: 0}}, true, nil
	}
	if !errors.Is(dbErr, gorm.ErrRecordNotFound) {
		c.log.Error("DNS cache DB error during MX lookup, falling back to OS resolver", dbErr, "domain", lookupKey)
	}

	records, err = net.DefaultResolver.LookupMX(ctx, domain)
	return records, false, err
}

// Set creates or updates a DNS override entry.
func (c *Cache) Set(lookupKey, targetHost, comment string) error {
	override := mdb.DNSOverride{
		LookupKey:  normalizeLookupKey(lookupKey),
		TargetHost: targetHost,
		Comment:    comment,
	}
	return c.db.Save(&override).Error
}

// Delete removes a DNS override entry.
func (c *Cache) Delete(lookupKey string) error {
	return c.db.Where("lookup_key = ?", normalizeLookupKey(lookupKey)).Delete(&mdb.DNSOverride{}).Error
}

// Get retrieves a single DNS override entry.
func (c *Cache) Get(lookupKey string) (*mdb.DNSOverride, error) {
	var override mdb.DNSOverride
	if err := c.db.Where("lookup_key = ?", normalizeLookupKey(lookupKey)).First(&override).Error; err != nil {
		return nil, err
	}
	return &override, nil
}

// List returns every configured DNS override entry.
func (c *Cache) List() ([]mdb.DNSOverride, error) {
	var overrides []mdb.DNSOverride
	err := c.db.Find(&overrides).Error
	return overrides, err
}
