package matching

// AssetResolver answers asset equivalence and classification questions. It is
// an injected read-only capability; asset metadata lives outside this
// subsystem.
type AssetResolver interface {
	// AssetsInSameCollection returns every asset id treated as economically
	// equivalent to asset, asset itself included.
	AssetsInSameCollection(asset string) []string

	// IsFiat reports whether the asset is a fiat currency. Fiat movements
	// have no onchain counterpart.
	IsFiat(asset string) bool

	// IsChainTracked reports whether events are being collected for chain.
	IsChainTracked(chain string) bool

	// ChainsForAsset returns the chains an asset's collection lives on.
	// Empty means unknown.
	ChainsForAsset(asset string) []string
}

// AccountSource answers which addresses belong to the user on a chain.
type AccountSource interface {
	TrackedAccounts(chain string) []string
}

// StaticAssets is a fixed-table AssetResolver for tests and simulation.
type StaticAssets struct {
	// Collections maps an asset id to its full collection. Assets absent
	// from the map are their own collection.
	Collections map[string][]string
	Fiat        map[string]bool
	// TrackedChains holds the chains events are collected for.
	TrackedChains map[string]bool
	// AssetChains maps an asset id to the chains its collection lives on.
	AssetChains map[string][]string
}

func (s *StaticAssets) AssetsInSameCollection(asset string) []string {
	if c, ok := s.Collections[asset]; ok {
		return c
	}
	return []string{asset}
}

func (s *StaticAssets) IsFiat(asset string) bool {
	return s.Fiat[asset]
}

func (s *StaticAssets) IsChainTracked(chain string) bool {
	return s.TrackedChains[chain]
}

func (s *StaticAssets) ChainsForAsset(asset string) []string {
	return s.AssetChains[asset]
}

var _ AssetResolver = (*StaticAssets)(nil)

// StaticAccounts is a fixed-table AccountSource for tests and simulation.
type StaticAccounts struct {
	ByChain map[string][]string
}

func (s *StaticAccounts) TrackedAccounts(chain string) []string {
	return s.ByChain[chain]
}

var _ AccountSource = (*StaticAccounts)(nil)
