package workflow

type Key = string

// Update action document fields.
const (
	KeyWorkflow                Key = "workflow"
	KeyWorkflowID              Key = "id"
	KeyWorkflowAction          Key = "action"
	KeyRetryTimestamp          Key = "retryTimestamp"
	KeyUpdateManifest          Key = "updateManifest"
	KeyUpdateManifestSignature Key = "updateManifestSignature"
	KeyFileURLs                Key = "fileUrls"
)

// Update manifest fields.
const (
	KeyManifestVersion        Key = "manifestVersion"
	KeyUpdateID               Key = "updateId"
	KeyProvider               Key = "provider"
	KeyName                   Key = "name"
	KeyVersion                Key = "version"
	KeyUpdateType             Key = "updateType"
	KeyInstalledCriteria      Key = "installedCriteria"
	KeyCompatibility          Key = "compatibility"
	KeyFiles                  Key = "files"
	KeyBundledUpdates         Key = "bundledUpdates"
	KeyInstructions           Key = "instructions"
	KeySteps                  Key = "steps"
	KeyDetachedManifestFileID Key = "detachedManifestFileId"

	KeyFileID            Key = "fileId"
	KeyFileName          Key = "fileName"
	KeyArguments         Key = "arguments"
	KeyHashes            Key = "hashes"
	KeySizeInBytes       Key = "sizeInBytes"
	KeyFileType          Key = "fileType"
	KeyDownloadHandler   Key = "downloadHandler"
	KeyDownloadHandlerID Key = "id"

	KeyStepType              Key = "type"
	KeyStepHandler           Key = "handler"
	KeyStepFiles             Key = "files"
	KeyStepHandlerProperties Key = "handlerProperties"

	// KeySignatureHash is the manifest digest in the signature payload.
	KeySignatureHash Key = "sha256"
)

// Workflow properties, held by the agent beside the documents.
const (
	PropertyID                       Key = "_id"
	PropertyWorkFolder               Key = "_workFolder"
	PropertySandboxRootPath          Key = "_sandboxRootPath"
	PropertySelectedComponents       Key = "_selectedComponents"
	PropertyCancelRequested          Key = "_cancelRequested"
	PropertyRebootRequested          Key = "_rebootRequested"
	PropertyImmediateRebootRequested Key = "_immediateRebootRequested"
	PropertyRestartRequested         Key = "_agentRestartRequested"
	PropertyImmediateRestartRequired Key = "_immediateAgentRestartRequested"
)

// Step types.
const (
	StepInline    = "inline"
	StepReference = "reference"
)

// SupportedManifestVersion is the only manifest version accepted when
// validating.
const SupportedManifestVersion = 5

// DefaultSandboxRoot is the work folder root used when none is configured.
const DefaultSandboxRoot = "/var/lib/duagent/downloads"
