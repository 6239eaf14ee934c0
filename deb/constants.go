package deb

// ControlField represents a standard field in a Debian control file.
type ControlField string

const (
	FieldPackage       ControlField = "Package"
	FieldVersion       ControlField = "Version"
	FieldArchitecture  ControlField = "Architecture"
	FieldMaintainer    ControlField = "Maintainer"
	FieldDescription   ControlField = "Description"
	FieldSection       ControlField = "Section"
	FieldPriority      ControlField = "Priority"
	FieldHomepage      ControlField = "Homepage"
	FieldEssential     ControlField = "Essential"
	FieldDepends       ControlField = "Depends"
	FieldPreDepends    ControlField = "Pre-Depends"
	FieldRecommends    ControlField = "Recommends"
	FieldSuggests      ControlField = "Suggests"
	FieldEnhances      ControlField = "Enhances"
	FieldConflicts     ControlField = "Conflicts"
	FieldBreaks        ControlField = "Breaks"
	FieldReplaces      ControlField = "Replaces"
	FieldProvides      ControlField = "Provides"
	FieldBuiltUsing    ControlField = "Built-Using"
	FieldSource        ControlField = "Source"
	FieldInstalledSize ControlField = "Installed-Size"

	// Fields specific to .changes upload manifests.
	FieldFormat       ControlField = "Format"
	FieldDate         ControlField = "Date"
	FieldDistribution ControlField = "Distribution"
	FieldChanges      ControlField = "Changes"
	FieldChangedBy    ControlField = "Changed-By"
	FieldUrgency      ControlField = "Urgency"
	FieldBinary       ControlField = "Binary"

	// Checksum list fields shared by .changes and .dsc files.
	FieldFiles           ControlField = "Files"
	FieldChecksumsSha1   ControlField = "Checksums-Sha1"
	FieldChecksumsSha256 ControlField = "Checksums-Sha256"
	FieldChecksumsSha512 ControlField = "Checksums-Sha512"

	// Fields specific to .dsc source control files.
	FieldPackageList       ControlField = "Package-List"
	FieldStandardsVersion  ControlField = "Standards-Version"
	FieldVcsBrowser        ControlField = "Vcs-Browser"
	FieldVcsGit            ControlField = "Vcs-Git"
	FieldBuildDepends      ControlField = "Build-Depends"
	FieldBuildDependsIndep ControlField = "Build-Depends-Indep"
	FieldTestsuite         ControlField = "Testsuite"

	// Fields specific to Packages/Sources indices.
	FieldFilename  ControlField = "Filename"
	FieldDirectory ControlField = "Directory"
	FieldSize      ControlField = "Size"
	FieldMD5sum    ControlField = "MD5sum"
	FieldSHA1      ControlField = "SHA1"
	FieldSHA256    ControlField = "SHA256"
	FieldSHA512    ControlField = "SHA512"
)

// ControlFile represents a standard file found in the control.tar archive of a .deb.
type ControlFile string

const (
	FileControl   ControlFile = "control"
	FileMd5sums   ControlFile = "md5sums"
	FileConffiles ControlFile = "conffiles"
	FilePreinst   ControlFile = "preinst"
	FilePostinst  ControlFile = "postinst"
	FilePrerm     ControlFile = "prerm"
	FilePostrm    ControlFile = "postrm"
	FileConfig    ControlFile = "config"
	FileTriggers  ControlFile = "triggers"
)

// PackageFile represents a standard member of the .deb archive (ar format).
type PackageFile string

const (
	PkgDebianBinary PackageFile = "debian-binary"
	PkgControlTarGz PackageFile = "control.tar.gz"
	PkgDataTarGz    PackageFile = "data.tar.gz"
)

// ReleaseField represents a standard field in a Debian Release file.
type ReleaseField string

const (
	RelOrigin               ReleaseField = "Origin"
	RelLabel                ReleaseField = "Label"
	RelSuite                ReleaseField = "Suite"
	RelVersion              ReleaseField = "Version"
	RelCodename             ReleaseField = "Codename"
	RelDate                 ReleaseField = "Date"
	RelValidUntil           ReleaseField = "Valid-Until"
	RelArchitectures        ReleaseField = "Architectures"
	RelComponents           ReleaseField = "Components"
	RelDescription          ReleaseField = "Description"
	RelNotAutomatic         ReleaseField = "NotAutomatic"
	RelButAutomaticUpgrades ReleaseField = "ButAutomaticUpgrades"
	RelAcquireByHash        ReleaseField = "Acquire-By-Hash"
	RelMD5Sum               ReleaseField = "MD5Sum"
	RelSHA1                 ReleaseField = "SHA1"
	RelSHA256               ReleaseField = "SHA256"
	RelSHA512               ReleaseField = "SHA512"
)

// ArchAll is the virtual architecture for architecture-independent packages.
const ArchAll = "all"

// ArchSource is the pseudo-architecture used to key source package records,
// notably in the version memory.
const ArchSource = "source"
