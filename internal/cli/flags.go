package cli

// Flags holds all command-line flag values.
type Flags struct {
	// Global flags
	CfgFile  string
	Project  string
	Storage  string
	LogLevel string

	// Catalog flags; the password only comes from the environment or the
	// config file.
	CatalogURL     string
	CatalogUser    string
	CatalogCompany string

	// export
	Docs            []string
	Locales         []string
	EntityTypes     []string
	ObjectIDs       []string
	Countries       []string
	LegacyPicklists bool
	MDFPicklists    bool
	FOTranslations  bool
	Out             string

	// import
	Workbook string
	Baseline string
	OutDir   string
	Push     bool

	// history
	Limit int
}

// NewFlags creates a new Flags instance with default values.
func NewFlags() *Flags {
	return &Flags{
		Project: "local",
		Out:     "translations.xlsx",
		OutDir:  ".",
		Limit:   20,
	}
}
