package workflow

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/extension"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/result"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

const testManifest = `{
  "manifestVersion": "5",
  "updateId": {"provider": "contoso", "name": "toaster", "version": "1.2"},
  "updateType": "microsoft/steps:1",
  "installedCriteria": "1.2",
  "compatibility": [{"manufacturer": "contoso", "model": "toaster"}],
  "files": {
    "A": {"fileName": "a.bin", "sizeInBytes": 3, "hashes": {"sha256": "YWFh"}},
    "B": {"fileName": "b.bin", "sizeInBytes": 4, "hashes": {"sha256": "YmJi", "sha1": "Yg=="}, "downloadHandler": {"id": "contoso/delta:1"}},
    "C": {"fileName": "c.json", "sizeInBytes": 5, "fileType": "manifest", "hashes": {"sha256": "Y2Nj"}}
  },
  "instructions": {
    "steps": [
      {"handler": "bottlerocket/updog:1", "files": ["B"], "handlerProperties": {"installedCriteria": "1.2"}},
      {"type": "reference", "detachedManifestFileId": "C"},
      {"type": "inline", "files": ["A"]}
    ]
  }
}`

var testFileURLs = map[string]string{
	"A": "http://updates.example.com/A",
	"B": "http://updates.example.com/B",
	"C": "http://updates.example.com/C",
}

func testAction(t *testing.T, action Action, manifest interface{}, urls map[string]string) string {
	t.Helper()
	wf := map[string]interface{}{KeyWorkflowID: "wf-1"}
	if action != ActionUndefined {
		wf[KeyWorkflowAction] = int(action)
	}
	doc := map[string]interface{}{KeyWorkflow: wf}
	if manifest != nil {
		doc[KeyUpdateManifest] = manifest
	}
	if urls != nil {
		doc[KeyFileURLs] = urls
	}
	b, err := json.Marshal(doc)
	assert.NilError(t, err)
	return string(b)
}

func testWorkflow(t *testing.T) *Node {
	t.Helper()
	n, err := Parse(context.Background(), testAction(t, ActionProcessDeployment, testManifest, testFileURLs))
	assert.NilError(t, err)
	return n
}

func isKind(err, kind error) bool {
	return errors.Cause(err) == kind
}

type testVerifier struct {
	verifyFn func(signature string) ([]byte, error)
}

func (v *testVerifier) Verify(signature string) ([]byte, error) {
	return v.verifyFn(signature)
}

// hashVerifier accepts any signature and vouches for manifest.
func hashVerifier(t *testing.T, manifest string) *testVerifier {
	t.Helper()
	sum, err := extension.EncodeHash("sha256", []byte(manifest))
	assert.NilError(t, err)
	return &testVerifier{verifyFn: func(string) ([]byte, error) {
		return json.Marshal(map[string]string{KeySignatureHash: sum})
	}}
}

func TestParse(t *testing.T) {
	n := testWorkflow(t)
	assert.Equal(t, n.ID(), "wf-1")
	assert.Equal(t, n.Action(), ActionProcessDeployment)
	assert.Equal(t, n.UpdateType(), "microsoft/steps:1")
	assert.Equal(t, n.ManifestVersion(), 5)
	assert.Equal(t, n.InstalledCriteria(), "1.2")
	assert.Equal(t, n.FileCount(), 3)
	assert.Equal(t, n.StepCount(), 3)
	assert.Equal(t, n.State(), StateIdle)
	assert.Equal(t, n.StepIndex(), -1)
	assert.Check(t, n.Parent() == nil)

	id, err := n.UpdateID()
	assert.NilError(t, err)
	assert.Equal(t, id, UpdateID{Provider: "contoso", Name: "toaster", Version: "1.2"})
	assert.Equal(t, id.String(), "contoso/toaster:1.2")
	expected, err := n.ExpectedUpdateIDString()
	assert.NilError(t, err)
	assert.Equal(t, expected, `{"provider":"contoso","name":"toaster","version":"1.2"}`)

	compat, err := n.CompatibilityAt(0)
	assert.NilError(t, err)
	assert.Equal(t, compat, `{"manufacturer":"contoso","model":"toaster"}`)
	_, err = n.CompatibilityAt(1)
	assert.Check(t, isKind(err, ErrInvalidArgument))
}

func TestParseManifestObject(t *testing.T) {
	var manifest map[string]interface{}
	assert.NilError(t, json.Unmarshal([]byte(testManifest), &manifest))
	n, err := Parse(context.Background(), testAction(t, ActionProcessDeployment, manifest, testFileURLs))
	assert.NilError(t, err)
	assert.Equal(t, n.UpdateType(), "microsoft/steps:1")
	assert.Equal(t, n.FileCount(), 3)
}

func TestParseInvalid(t *testing.T) {
	testcases := []struct {
		name   string
		source string
		kind   error
	}{
		{name: "not json", source: "update", kind: ErrInvalidDocument},
		{name: "array", source: `[1, 2]`, kind: ErrInvalidDocument},
		{name: "null", source: `null`, kind: ErrInvalidDocument},
		{name: "manifest array", source: testAction(t, ActionProcessDeployment, "[1]", nil), kind: ErrInvalidDocument},
		{name: "manifest number", source: testAction(t, ActionProcessDeployment, 5, nil), kind: ErrInvalidDocument},
		{name: "no manifest", source: testAction(t, ActionProcessDeployment, nil, nil), kind: ErrNoUpdateManifest},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := Parse(context.Background(), tc.source)
			assert.Check(t, isKind(err, tc.kind), "got %v", err)
			assert.Check(t, n == nil)
		})
	}
}

func TestParseCancel(t *testing.T) {
	n, err := Parse(context.Background(), testAction(t, ActionCancel, nil, nil), WithValidation(&testVerifier{
		verifyFn: func(string) ([]byte, error) {
			t.Fatal("cancel actions are not verified")
			return nil, nil
		},
	}))
	assert.NilError(t, err)
	assert.Equal(t, n.Action(), ActionCancel)
	assert.Equal(t, n.ID(), "wf-1")
}

func TestParseFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "action.json")
	assert.NilError(t, ioutil.WriteFile(path, []byte(testAction(t, ActionProcessDeployment, testManifest, testFileURLs)), 0600))

	n, err := Parse(context.Background(), path, FromFile())
	assert.NilError(t, err)
	assert.Equal(t, n.FileCount(), 3)

	_, err = Parse(context.Background(), filepath.Join(dir, "missing.json"), FromFile())
	assert.Check(t, isKind(err, ErrInvalidDocument))
}

func TestManifestVersionGate(t *testing.T) {
	testcases := []struct {
		name    string
		version interface{}
		ok      bool
	}{
		{name: "string", version: "5", ok: true},
		{name: "number", version: 5, ok: true},
		{name: "older", version: "4", ok: false},
		{name: "newer", version: 6, ok: false},
		{name: "garbage", version: "five", ok: false},
		{name: "missing", version: nil, ok: false},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			manifest := map[string]interface{}{KeyUpdateType: "bottlerocket/updog:1"}
			if tc.version != nil {
				manifest[KeyManifestVersion] = tc.version
			}
			// Undefined actions skip the signature, not the version gate.
			source := testAction(t, ActionUndefined, manifest, nil)
			verifier := &testVerifier{verifyFn: func(string) ([]byte, error) {
				return nil, errors.New("not called")
			}}

			n, err := Parse(context.Background(), source, WithValidation(verifier))
			if tc.ok {
				assert.NilError(t, err)
				assert.Equal(t, n.ManifestVersion(), 5)
				return
			}
			assert.Check(t, isKind(err, ErrUnsupportedManifestVersion), "got %v", err)
			assert.Check(t, n == nil)

			_, err = Parse(context.Background(), source)
			assert.NilError(t, err, "version is only gated with validation")
		})
	}
}

func TestParseValidation(t *testing.T) {
	signed := func(t *testing.T, sig string) string {
		doc := map[string]interface{}{}
		assert.NilError(t, json.Unmarshal([]byte(testAction(t, ActionProcessDeployment, testManifest, testFileURLs)), &doc))
		if sig != "" {
			doc[KeyUpdateManifestSignature] = sig
		}
		b, err := json.Marshal(doc)
		assert.NilError(t, err)
		return string(b)
	}

	n, err := Parse(context.Background(), signed(t, "sig"), WithValidation(hashVerifier(t, testManifest)))
	assert.NilError(t, err)
	assert.Equal(t, n.ID(), "wf-1")

	_, err = Parse(context.Background(), signed(t, "sig"), WithValidation(hashVerifier(t, testManifest+" ")))
	assert.Check(t, isKind(err, ErrManifestValidationFailed), "hash mismatch: %v", err)

	_, err = Parse(context.Background(), signed(t, ""), WithValidation(hashVerifier(t, testManifest)))
	assert.Check(t, isKind(err, ErrManifestValidationFailed), "no signature: %v", err)

	_, err = Parse(context.Background(), signed(t, "sig"), WithValidation(&testVerifier{
		verifyFn: func(string) ([]byte, error) { return nil, errors.New("bad signature") },
	}))
	assert.Check(t, isKind(err, ErrManifestValidationFailed), "bad signature: %v", err)

	_, err = Parse(context.Background(), signed(t, "sig"), WithValidation(&testVerifier{
		verifyFn: func(string) ([]byte, error) { return []byte(`{"alg":"ES256"}`), nil },
	}))
	assert.Check(t, isKind(err, ErrManifestValidationFailed), "no hash claim: %v", err)
}

type testGateway struct {
	calls      int
	downloadFn func(wf extension.Workflow, entity *extension.FileEntity) (result.Result, error)
}

func (g *testGateway) Download(ctx context.Context, wf extension.Workflow, entity *extension.FileEntity, opts extension.DownloadOptions) (result.Result, error) {
	g.calls++
	return g.downloadFn(wf, entity)
}

// writingGateway places content at each downloaded file's target.
func writingGateway(t *testing.T, content string) *testGateway {
	t.Helper()
	return &testGateway{downloadFn: func(wf extension.Workflow, entity *extension.FileEntity) (result.Result, error) {
		target, err := extension.TargetPath(wf, entity)
		assert.NilError(t, err)
		assert.NilError(t, os.MkdirAll(filepath.Dir(target), 0750))
		assert.NilError(t, ioutil.WriteFile(target, []byte(content), 0600))
		return result.Of(result.DownloadSuccess), nil
	}}
}

func TestParseDetachedManifest(t *testing.T) {
	detached := map[string]interface{}{
		KeyManifestVersion:        5,
		KeyDetachedManifestFileID: "m",
		KeyFiles: map[string]interface{}{
			"m": map[string]interface{}{
				KeyFileName: "manifest.json",
				KeyHashes:   map[string]interface{}{"sha256": "bQ=="},
			},
		},
	}
	source := testAction(t, ActionProcessDeployment, detached, map[string]string{"m": "http://updates.example.com/m"})
	sandbox := t.TempDir()

	gw := writingGateway(t, testManifest)
	n, err := Parse(context.Background(), source, WithGateway(gw), WithSandboxRoot(sandbox))
	assert.NilError(t, err)
	assert.Equal(t, gw.calls, 1)
	assert.Equal(t, n.UpdateType(), "microsoft/steps:1")
	assert.Equal(t, n.FileCount(), 3)
	assert.Equal(t, n.WorkFolder(), filepath.Join(sandbox, "wf-1"))

	_, err = Parse(context.Background(), source, WithSandboxRoot(sandbox))
	assert.Check(t, isKind(err, ErrDetachedManifestDownloadFailed), "no gateway: %v", err)

	failing := &testGateway{downloadFn: func(extension.Workflow, *extension.FileEntity) (result.Result, error) {
		return result.FromError(extension.ErrDownloadFailed, false), extension.ErrDownloadFailed
	}}
	_, err = Parse(context.Background(), source, WithGateway(failing), WithSandboxRoot(sandbox))
	assert.Check(t, isKind(err, ErrDetachedManifestDownloadFailed), "download failure: %v", err)

	_, err = Parse(context.Background(), testAction(t, ActionProcessDeployment, detached, nil), WithGateway(gw), WithSandboxRoot(sandbox))
	assert.Check(t, isKind(err, ErrDetachedManifestDownloadFailed), "no file url: %v", err)
}

func TestUpdateFileOrder(t *testing.T) {
	files := map[string]interface{}{}
	urls := map[string]string{}
	for id, name := range map[string]string{"f2": "two.bin", "f10": "ten.bin", "f1": "one.bin"} {
		files[id] = map[string]interface{}{"fileName": name, "hashes": map[string]string{"sha256": "YWFh"}}
		urls[id] = "http://updates.example.com/" + id
	}
	manifest := map[string]interface{}{"updateType": "bottlerocket/updog:1", "files": files}
	n, err := Parse(context.Background(), testAction(t, ActionProcessDeployment, manifest, urls))
	assert.NilError(t, err)

	names := []string{}
	for i := 0; i < n.FileCount(); i++ {
		entity, err := n.GetUpdateFile(i)
		assert.NilError(t, err)
		names = append(names, entity.TargetFilename)
	}
	assert.DeepEqual(t, names, []string{"one.bin", "ten.bin", "two.bin"})
}

func TestGetUpdateFile(t *testing.T) {
	n := testWorkflow(t)

	entity, err := n.GetUpdateFile(1)
	assert.NilError(t, err)
	assert.DeepEqual(t, entity, &extension.FileEntity{
		FileID:            "B",
		DownloadURI:       "http://updates.example.com/B",
		TargetFilename:    "b.bin",
		SizeInBytes:       4,
		Hashes:            []extension.Hash{{Type: "sha256", Value: "YmJi"}, {Type: "sha1", Value: "Yg=="}},
		DownloadHandlerID: "contoso/delta:1",
	})

	_, err = n.GetUpdateFile(3)
	assert.Check(t, isKind(err, ErrFileNotFound))

	byName, err := n.GetUpdateFileByName("c.json")
	assert.NilError(t, err)
	assert.Equal(t, byName.FileID, "C")
	_, err = n.GetUpdateFileByName("d.bin")
	assert.Check(t, isKind(err, ErrFileNotFound))

	byType, err := n.FirstUpdateFileOfType("manifest")
	assert.NilError(t, err)
	assert.Equal(t, byType.FileID, "C")

	ref, err := n.StepDetachedManifestFile(1)
	assert.NilError(t, err)
	assert.Equal(t, ref.TargetFilename, "c.json")
}

func TestFileURLAncestorFallback(t *testing.T) {
	root, err := Parse(context.Background(), testAction(t, ActionProcessDeployment, testManifest, map[string]string{"f1": "http://x"}))
	assert.NilError(t, err)

	childManifest := `{"manifestVersion":5,"updateType":"bottlerocket/updog:1","files":{"f1":{"fileName":"f1.bin","hashes":{"sha256":"ZjE="}}}}`
	child, err := Parse(context.Background(), testAction(t, ActionUndefined, childManifest, nil))
	assert.NilError(t, err)

	_, err = child.GetUpdateFile(0)
	assert.Check(t, isKind(err, ErrFileURLNotFound), "detached node has no urls: %v", err)

	assert.NilError(t, InsertChild(root, -1, child))
	entity, err := child.GetUpdateFile(0)
	assert.NilError(t, err)
	assert.Equal(t, entity.DownloadURI, "http://x")
}

func TestExpandInlineStep(t *testing.T) {
	base := testWorkflow(t)
	base.SetSandboxRoot("/sandbox")
	before, err := base.SerializeManifest(false)
	assert.NilError(t, err)

	step, err := ExpandInlineStep(base, 0)
	assert.NilError(t, err)
	assert.Equal(t, step.UpdateType(), "bottlerocket/updog:1")
	assert.Equal(t, step.FileCount(), 1)
	assert.Equal(t, step.StepCount(), 0, "instructions are removed")
	assert.Equal(t, step.StepIndex(), 0)
	assert.Equal(t, step.WorkFolder(), "/sandbox/wf-1", "work folder is inherited")
	entity, err := step.GetUpdateFile(0)
	assert.NilError(t, err)
	assert.Equal(t, entity.FileID, "B")

	props, ok := object(step.manifest, KeyStepHandlerProperties)
	assert.Assert(t, ok)
	assert.Equal(t, props[KeyInstalledCriteria], "1.2")
	assert.Equal(t, step.HandlerProperty(KeyInstalledCriteria), "1.2")
	assert.Equal(t, step.InstalledCriteria(), "1.2")

	after, err := base.SerializeManifest(false)
	assert.NilError(t, err)
	assert.Equal(t, after, before, "base is not modified")

	// The clone does not share documents with the base.
	delete(step.filesMap(), "B")
	assert.Equal(t, base.FileCount(), 3)

	_, err = ExpandInlineStep(base, 3)
	assert.Check(t, isKind(err, ErrInvalidStepIndex))
	_, err = ExpandInlineStep(base, -1)
	assert.Check(t, isKind(err, ErrInvalidStepIndex))
	_, err = ExpandInlineStep(base, 2)
	assert.Check(t, isKind(err, ErrMissingHandlerType))
}

func TestStepKinds(t *testing.T) {
	n := testWorkflow(t)
	assert.Check(t, n.IsInlineStep(0))
	assert.Check(t, !n.IsReferenceStep(0))
	assert.Check(t, n.IsReferenceStep(1))
	assert.Check(t, n.IsInlineStep(2))
	assert.Check(t, !n.IsInlineStep(5))

	h, err := n.StepHandler(0)
	assert.NilError(t, err)
	assert.Equal(t, h, "bottlerocket/updog:1")
	_, err = n.StepHandler(2)
	assert.Check(t, isKind(err, ErrMissingHandlerType))

	id, err := n.StepDetachedManifest(1)
	assert.NilError(t, err)
	assert.Equal(t, id, "C")
	_, err = n.StepDetachedManifest(0)
	assert.Check(t, isKind(err, ErrInvalidDocument))
}

func TestExpandFromInstruction(t *testing.T) {
	base := testWorkflow(t)
	base.SetWorkFolder("/work/wf-1")

	n, err := ExpandFromInstruction(base, `{"updateType":"contoso/script:1","files":[{"fileName":"b.bin","arguments":"--fast"},{"fileName":"z.bin"}]}`)
	assert.NilError(t, err)
	assert.Equal(t, n.UpdateType(), "contoso/script:1")
	assert.Equal(t, n.FileCount(), 1)
	assert.Equal(t, n.StepCount(), 3, "instructions are kept")
	assert.Equal(t, n.WorkFolder(), "/work/wf-1")
	entity, err := n.GetUpdateFile(0)
	assert.NilError(t, err)
	assert.Equal(t, entity.FileID, "B")
	assert.Equal(t, entity.Arguments, "--fast")

	baseB, err := base.GetUpdateFileByName("b.bin")
	assert.NilError(t, err)
	assert.Equal(t, baseB.Arguments, "", "base is not modified")

	_, err = ExpandFromInstruction(base, `{"files":[]}`)
	assert.Check(t, isKind(err, ErrMissingHandlerType))
	_, err = ExpandFromInstruction(base, `not json`)
	assert.Check(t, isKind(err, ErrInvalidDocument))
}

func testChild(t *testing.T, id string) *Node {
	t.Helper()
	n, err := Parse(context.Background(), testAction(t, ActionUndefined, `{"updateType":"bottlerocket/updog:1"}`, nil))
	assert.NilError(t, err)
	n.SetID(id)
	return n
}

func childIDs(n *Node) []string {
	ids := make([]string, 0, n.ChildCount())
	for i := 0; i < n.ChildCount(); i++ {
		ids = append(ids, n.Child(i).ID())
	}
	return ids
}

func TestInsertChild(t *testing.T) {
	root := testWorkflow(t)
	a, b, c := testChild(t, "a"), testChild(t, "b"), testChild(t, "c")

	assert.NilError(t, InsertChild(root, -1, a))
	assert.NilError(t, InsertChild(root, 7, c))
	assert.NilError(t, InsertChild(root, 1, b))
	assert.DeepEqual(t, childIDs(root), []string{"a", "b", "c"})
	assert.Equal(t, b.Parent(), root)
	assert.Equal(t, b.Level(), 1)
	assert.Equal(t, root.Child(-1), c)
	assert.Check(t, root.Child(3) == nil)

	grandchild := testChild(t, "g")
	assert.NilError(t, InsertChild(b, -1, grandchild))
	assert.Equal(t, grandchild.Level(), 2)
	assert.Equal(t, Root(grandchild), root)

	err := InsertChild(root, -1, b)
	assert.Check(t, isKind(err, ErrInvalidArgument), "already attached: %v", err)
	RemoveChild(root, 1)
	err = InsertChild(grandchild, -1, b)
	assert.Check(t, isKind(err, ErrInvalidArgument), "cycle: %v", err)
	err = InsertChild(root, -1, root)
	assert.Check(t, isKind(err, ErrInvalidArgument), "self: %v", err)
	assert.Check(t, isKind(InsertChild(nil, -1, a), ErrInvalidArgument))
}

func TestInsertChildGrowsInBlocks(t *testing.T) {
	root := testWorkflow(t)
	for i := 0; i < 25; i++ {
		assert.NilError(t, InsertChild(root, -1, testChild(t, "c")))
	}
	assert.Equal(t, root.ChildCount(), 25)
	assert.Equal(t, cap(root.children), 30)
}

func TestRemoveChild(t *testing.T) {
	root := testWorkflow(t)
	for _, id := range []string{"a", "b", "c"} {
		assert.NilError(t, InsertChild(root, -1, testChild(t, id)))
	}
	b := root.Child(1)
	grandchild := testChild(t, "g")
	assert.NilError(t, InsertChild(b, -1, grandchild))

	last := RemoveChild(root, -1)
	assert.Equal(t, last.ID(), "c")
	assert.Check(t, last.Parent() == nil)

	removed := RemoveChild(root, 1)
	assert.Equal(t, removed, b)
	assert.Check(t, b.Parent() == nil)
	assert.Equal(t, b.Level(), 0)
	assert.Equal(t, grandchild.Level(), 1)
	assert.DeepEqual(t, childIDs(root), []string{"a"})

	assert.Check(t, RemoveChild(root, 4) == nil)
	assert.Check(t, RemoveChild(nil, 0) == nil)

	// An attached node is not freed.
	a := root.Child(0)
	a.Free()
	assert.Equal(t, a.UpdateType(), "bottlerocket/updog:1")

	b.Free()
	assert.Equal(t, b.ChildCount(), 0)
	assert.Check(t, grandchild.Parent() == nil)
	assert.Equal(t, b.UpdateType(), "")
}

func TestWorkFolder(t *testing.T) {
	root := testWorkflow(t)
	assert.Equal(t, root.WorkFolder(), filepath.Join(DefaultSandboxRoot, "wf-1"))

	root.SetSandboxRoot("/sandbox")
	child := testChild(t, "0")
	assert.NilError(t, InsertChild(root, -1, child))
	assert.Equal(t, root.WorkFolder(), "/sandbox/wf-1")
	assert.Equal(t, child.WorkFolder(), "/sandbox/wf-1/0")

	child.SetSandboxRoot("/other")
	assert.Equal(t, root.SandboxRoot(), "/other", "sandbox is a root property")

	child.SetWorkFolder("/pinned")
	assert.Equal(t, child.WorkFolder(), "/pinned")
}

func TestStateAndResults(t *testing.T) {
	root := testWorkflow(t)
	child := testChild(t, "0")
	assert.NilError(t, InsertChild(root, -1, child))

	SetRootState(child, StateDownloadStarted)
	assert.Equal(t, RootState(child), StateDownloadStarted)
	assert.Equal(t, root.State(), StateDownloadStarted)
	assert.Equal(t, child.State(), StateIdle)
	assert.Equal(t, StateFailed.String(), "Failed")

	root.RecordResult("0", result.Of(result.DownloadSuccess))
	r, ok := child.FindResult("0")
	assert.Assert(t, ok, "results fall back to the root")
	assert.Equal(t, r.Code, result.DownloadSuccess)

	child.RecordResult("0", result.Of(result.InstallSuccess))
	r, _ = child.FindResult("0")
	assert.Equal(t, r.Code, result.InstallSuccess, "own results come first")
	_, ok = child.FindResult("1")
	assert.Check(t, !ok)
	_, ok = child.FindResult("")
	assert.Check(t, !ok)

	child.SetResult(result.Of(result.ApplySuccess))
	assert.Equal(t, child.Result().Code, result.ApplySuccess)
}

func TestResultDetails(t *testing.T) {
	n := testWorkflow(t)
	n.SetResultDetails("step %d failed: %s", 2, "timeout")
	assert.Equal(t, n.ResultDetails(), "step 2 failed: timeout")

	long := make([]byte, 2*MaxResultDetails)
	for i := range long {
		long[i] = 'x'
	}
	n.SetResultDetails(string(long))
	assert.Equal(t, len(n.ResultDetails()), MaxResultDetails)

	// "é" is two bytes; the one straddling the limit is dropped whole.
	n.SetResultDetails("x" + strings.Repeat("é", MaxResultDetails/2))
	assert.Equal(t, len(n.ResultDetails()), MaxResultDetails-1)
	assert.Check(t, utf8.ValidString(n.ResultDetails()))

	n.SetResultDetails("")
	assert.Equal(t, n.ResultDetails(), "")
}

func TestRequestCancel(t *testing.T) {
	root := testWorkflow(t)
	children := []*Node{testChild(t, "0"), testChild(t, "1"), testChild(t, "2")}
	for _, c := range children {
		assert.NilError(t, InsertChild(root, -1, c))
	}
	assert.Check(t, !IsCancelRequested(root))

	RequestCancel(root)
	assert.Check(t, IsCancelRequested(root))
	for _, c := range children {
		assert.Check(t, IsCancelRequested(c), "child %s", c.ID())
	}

	late := testChild(t, "3")
	assert.NilError(t, InsertChild(root, -1, late))
	assert.Check(t, IsCancelRequested(late), "children added later see the cancellation")

	UpdateForRetry(root)
	for _, c := range children {
		assert.Check(t, !IsCancelRequested(c))
	}
}

func TestReplacementDeferral(t *testing.T) {
	current := testWorkflow(t)
	next := testChild(t, "wf-2")

	assert.Check(t, !UpdateReplacementDeployment(current, next), "nothing in progress")
	assert.Check(t, current.Deferred() == nil)
	assert.Equal(t, current.CancellationType(), CancellationNone)

	current.SetOperationInProgress(true)
	assert.Check(t, UpdateReplacementDeployment(current, next))
	assert.Equal(t, current.CancellationType(), CancellationReplacement)
	assert.Equal(t, current.Deferred(), next)
	assert.Check(t, IsCancelRequested(current))

	SetRootState(current, StateDownloadStarted)
	assert.Check(t, UpdateForReplacement(current))
	assert.Equal(t, current.ID(), "wf-2")
	assert.Equal(t, current.UpdateType(), "bottlerocket/updog:1")
	assert.Check(t, current.Deferred() == nil)
	assert.Check(t, !current.OperationInProgress())
	assert.Check(t, !IsCancelRequested(current))
	assert.Equal(t, current.CancellationType(), CancellationNone)
	assert.Equal(t, current.State(), StateIdle)

	assert.Check(t, !UpdateForReplacement(current), "no replacement left")
}

func TestRetryDeployment(t *testing.T) {
	n := testWorkflow(t)
	assert.Equal(t, n.RetryToken(), "")
	assert.Check(t, !IsRetryApplicable(n, ""))
	assert.Check(t, IsRetryApplicable(n, "2026-10-14T10:00:00Z"))

	n.SetOperationInProgress(true)
	UpdateRetryDeployment(n, "2026-10-14T10:00:00Z")
	assert.Equal(t, n.CancellationType(), CancellationRetry)
	assert.Equal(t, n.RetryToken(), "2026-10-14T10:00:00Z")
	assert.Check(t, n.OperationInProgress(), "the running operation must observe the retry")
	assert.Check(t, IsCancelRequested(n))
	assert.Check(t, !IsRetryApplicable(n, "2026-10-14T10:00:00Z"))

	UpdateForRetry(n)
	assert.Check(t, !n.OperationInProgress())
	assert.Equal(t, n.CancellationType(), CancellationNone)
	assert.Equal(t, n.RetryToken(), "2026-10-14T10:00:00Z")
	assert.Equal(t, n.FileCount(), 3)
}

func TestRebootRequests(t *testing.T) {
	root := testWorkflow(t)
	child := testChild(t, "0")
	assert.NilError(t, InsertChild(root, -1, child))

	RequestReboot(child)
	RequestImmediateAgentRestart(child)
	assert.Check(t, IsRebootRequested(root))
	assert.Check(t, IsImmediateAgentRestartRequested(root))
	assert.Check(t, !IsImmediateRebootRequested(root))
	assert.Check(t, !IsAgentRestartRequested(child))
	assert.Check(t, !child.BoolProperty(PropertyRebootRequested), "requests are stored on the root")
}

func TestManifestRoundTrip(t *testing.T) {
	n := testWorkflow(t)
	for _, pretty := range []bool{false, true} {
		text, err := n.SerializeManifest(pretty)
		assert.NilError(t, err)

		again, err := Parse(context.Background(), testAction(t, ActionProcessDeployment, text, testFileURLs))
		assert.NilError(t, err)
		assert.DeepEqual(t, again.filesMap(), n.filesMap())
		assert.DeepEqual(t, again.compatibility(), n.compatibility())
		id, err := again.UpdateID()
		assert.NilError(t, err)
		want, _ := n.UpdateID()
		assert.Equal(t, id, want)
	}
}

func TestExtendedCode(t *testing.T) {
	err := errors.Wrap(ErrUnsupportedManifestVersion, "parse")
	assert.Equal(t, ExtendedCode(err), result.Extended(result.FacilityWorkflow, 0x004))
	assert.Equal(t, ExtendedCode(errors.New("other")), 0)
}
