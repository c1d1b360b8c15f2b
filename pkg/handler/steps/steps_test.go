package steps

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/extension"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/handler"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/internal/testoutput"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/result"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/workflow"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

const fakeType = "contoso/fake:1"

const testAction = `{
  "workflow": {"id": "wf-1", "action": 3},
  "updateManifest": {
    "manifestVersion": "5",
    "updateId": {"provider": "contoso", "name": "toaster", "version": "2.0"},
    "updateType": "microsoft/steps:1",
    "files": {
      "A": {"fileName": "a.bin", "sizeInBytes": 3, "hashes": {"sha256": "YWFh"}},
      "S": {"fileName": "step.json", "sizeInBytes": 9, "hashes": {"sha256": "c3RlcA=="}}
    },
    "instructions": {
      "steps": [
        {"handler": "contoso/fake:1", "files": ["A"], "handlerProperties": {"installedCriteria": "a"}},
        {"type": "reference", "detachedManifestFileId": "S"}
      ]
    }
  },
  "fileUrls": {"A": "http://updates.example.com/A", "S": "http://updates.example.com/S"}
}`

const testStepAction = `{
  "updateManifest": {
    "manifestVersion": "5",
    "updateType": "contoso/fake:1",
    "installedCriteria": "b",
    "files": {"B": {"fileName": "b.bin", "sizeInBytes": 3, "hashes": {"sha256": "YmJi"}}}
  }
}`

type fakeHandler struct {
	installed map[string]bool
	calls     []string

	downloadFn func(wf *workflow.Node) (result.Result, error)
	installFn  func(wf *workflow.Node) (result.Result, error)
}

func (h *fakeHandler) Download(ctx context.Context, wf *workflow.Node) (result.Result, error) {
	h.calls = append(h.calls, "download:"+wf.ID())
	if h.downloadFn != nil {
		return h.downloadFn(wf)
	}
	return result.Of(result.DownloadSuccess), nil
}

func (h *fakeHandler) Install(ctx context.Context, wf *workflow.Node) (result.Result, error) {
	h.calls = append(h.calls, "install:"+wf.ID())
	if h.installFn != nil {
		return h.installFn(wf)
	}
	return result.Of(result.InstallSuccess), nil
}

func (h *fakeHandler) Apply(ctx context.Context, wf *workflow.Node) (result.Result, error) {
	h.calls = append(h.calls, "apply:"+wf.ID())
	return result.Of(result.ApplySuccess), nil
}

func (h *fakeHandler) Cancel(ctx context.Context, wf *workflow.Node) (result.Result, error) {
	h.calls = append(h.calls, "cancel:"+wf.ID())
	return result.Of(result.CancelSuccess), nil
}

func (h *fakeHandler) IsInstalled(ctx context.Context, wf *workflow.Node) (result.Result, error) {
	if h.installed[wf.InstalledCriteria()] {
		return result.Of(result.IsInstalledInstalled), nil
	}
	return result.Of(result.IsInstalledNotInstalled), nil
}

type fakeGateway struct {
	t     *testing.T
	calls int
	err   error
}

func (g *fakeGateway) Download(ctx context.Context, wf extension.Workflow, entity *extension.FileEntity, opts extension.DownloadOptions) (result.Result, error) {
	g.calls++
	if g.err != nil {
		return result.FromError(g.err, false), g.err
	}
	target, err := extension.TargetPath(wf, entity)
	assert.NilError(g.t, err)
	assert.NilError(g.t, os.MkdirAll(filepath.Dir(target), 0750))
	assert.NilError(g.t, ioutil.WriteFile(target, []byte(testStepAction), 0600))
	return result.Of(result.DownloadSuccess), nil
}

type fixture struct {
	wf      *workflow.Node
	steps   *Handler
	fake    *fakeHandler
	gateway *fakeGateway
}

func testFixture(t *testing.T) *fixture {
	t.Helper()
	wf, err := workflow.Parse(context.Background(), testAction, workflow.WithSandboxRoot(t.TempDir()))
	assert.NilError(t, err)

	fake := &fakeHandler{installed: map[string]bool{}}
	gw := &fakeGateway{t: t}
	registry := handler.NewRegistry()
	registry.Register(fakeType, fake)
	h := New(testoutput.Logger(t, logging.New("steps")), registry, gw)
	registry.Register(UpdateType, h)
	return &fixture{wf: wf, steps: h, fake: fake, gateway: gw}
}

func TestDownload(t *testing.T) {
	f := testFixture(t)
	res, err := f.steps.Download(context.Background(), f.wf)
	assert.NilError(t, err)
	assert.Equal(t, res.Code, result.DownloadSuccess)
	assert.DeepEqual(t, f.fake.calls, []string{"download:0", "download:1"})
	assert.Equal(t, f.gateway.calls, 1)

	assert.Equal(t, f.wf.ChildCount(), 2)
	inline, ref := f.wf.Child(0), f.wf.Child(1)
	assert.Equal(t, inline.UpdateType(), fakeType)
	assert.Equal(t, inline.StepIndex(), 0)
	assert.Equal(t, inline.InstalledCriteria(), "a")
	assert.Equal(t, inline.WorkFolder(), f.wf.WorkFolder())
	assert.Equal(t, ref.UpdateType(), fakeType)
	assert.Equal(t, ref.StepIndex(), 1)
	assert.Equal(t, ref.InstalledCriteria(), "b")
	assert.Equal(t, ref.WorkFolder(), filepath.Join(f.wf.WorkFolder(), "1"))
	assert.Equal(t, ref.Level(), 1)
}

func TestDownloadSkipsInstalledSteps(t *testing.T) {
	f := testFixture(t)
	f.fake.installed["a"] = true
	res, err := f.steps.Download(context.Background(), f.wf)
	assert.NilError(t, err)
	assert.Equal(t, res.Code, result.DownloadSuccess)
	assert.DeepEqual(t, f.fake.calls, []string{"download:1"})
	assert.Equal(t, f.wf.Child(0).Result().Code, result.InstallSkippedUpdateInstalled)
}

func TestDownloadStepFailure(t *testing.T) {
	f := testFixture(t)
	failed := result.FromError(extension.ErrDownloadFailed, false)
	f.fake.downloadFn = func(wf *workflow.Node) (result.Result, error) {
		if wf.ID() != "0" {
			return result.Of(result.DownloadSuccess), nil
		}
		wf.SetResultDetails("mirror unreachable")
		return failed, nil
	}
	res, err := f.steps.Download(context.Background(), f.wf)
	assert.NilError(t, err)
	assert.Equal(t, res, failed)
	assert.Equal(t, f.wf.Result(), failed)
	assert.Equal(t, f.wf.ResultDetails(), "mirror unreachable")
	assert.DeepEqual(t, f.fake.calls, []string{"download:0"})
}

func TestInstall(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	_, err := f.steps.Download(ctx, f.wf)
	assert.NilError(t, err)
	f.fake.calls = nil

	res, err := f.steps.Install(ctx, f.wf)
	assert.NilError(t, err)
	assert.Equal(t, res.Code, result.InstallSuccess)
	assert.DeepEqual(t, f.fake.calls, []string{"install:0", "apply:0", "install:1", "apply:1"})
	assert.Equal(t, f.gateway.calls, 1, "step workflows are kept between phases")

	res, err = f.steps.Apply(ctx, f.wf)
	assert.NilError(t, err)
	assert.Equal(t, res.Code, result.ApplySuccess)
}

func TestInstallStopsForImmediateReboot(t *testing.T) {
	f := testFixture(t)
	f.fake.installFn = func(wf *workflow.Node) (result.Result, error) {
		workflow.RequestImmediateReboot(wf)
		return result.Of(result.InstallRequiredImmediateReboot), nil
	}
	res, err := f.steps.Install(context.Background(), f.wf)
	assert.NilError(t, err)
	assert.Equal(t, res.Code, result.InstallRequiredImmediateReboot)
	assert.DeepEqual(t, f.fake.calls, []string{"install:0"})
	assert.Check(t, workflow.IsImmediateRebootRequested(f.wf))
}

func TestInstallSkipsInstalledSteps(t *testing.T) {
	f := testFixture(t)
	f.fake.installed["b"] = true
	res, err := f.steps.Install(context.Background(), f.wf)
	assert.NilError(t, err)
	assert.Equal(t, res.Code, result.InstallSuccess)
	assert.DeepEqual(t, f.fake.calls, []string{"install:0", "apply:0"})
}

func TestCancel(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	_, err := f.steps.Download(ctx, f.wf)
	assert.NilError(t, err)

	res, err := f.steps.Cancel(ctx, f.wf)
	assert.NilError(t, err)
	assert.Equal(t, res.Code, result.CancelSuccess)
	assert.Check(t, workflow.IsCancelRequested(f.wf.Child(1)))

	f.fake.calls = nil
	res, err = f.steps.Install(ctx, f.wf)
	assert.NilError(t, err)
	assert.Equal(t, res.Code, result.FailureCancelled)
	assert.Equal(t, len(f.fake.calls), 0)
}

func TestIsInstalled(t *testing.T) {
	f := testFixture(t)
	ctx := context.Background()
	res, err := f.steps.IsInstalled(ctx, f.wf)
	assert.NilError(t, err)
	assert.Equal(t, res.Code, result.IsInstalledNotInstalled)

	f.fake.installed["a"] = true
	f.fake.installed["b"] = true
	res, err = f.steps.IsInstalled(ctx, f.wf)
	assert.NilError(t, err)
	assert.Equal(t, res.Code, result.IsInstalledInstalled)
}

func TestUnknownStepHandler(t *testing.T) {
	wf, err := workflow.Parse(context.Background(), testAction, workflow.WithSandboxRoot(t.TempDir()))
	assert.NilError(t, err)
	h := New(testoutput.Logger(t, logging.New("steps")), handler.NewRegistry(), &fakeGateway{t: t})

	res, err := h.Download(context.Background(), wf)
	assert.Check(t, errors.Cause(err) == handler.ErrUnknownUpdateType, "got %v", err)
	assert.Equal(t, res.Code, result.Failure)
	assert.Equal(t, res.Extended, handler.ErrUnknownUpdateType.Code())
	assert.Equal(t, wf.Result(), res)
}

func TestStepManifestDownloadFailure(t *testing.T) {
	f := testFixture(t)
	f.gateway.err = extension.ErrDownloadFailed
	res, err := f.steps.Download(context.Background(), f.wf)
	assert.Check(t, errors.Cause(err) == workflow.ErrDetachedManifestDownloadFailed, "got %v", err)
	assert.Equal(t, res.Extended, workflow.ErrDetachedManifestDownloadFailed.Code())
	assert.Equal(t, f.wf.ChildCount(), 1, "steps before the failure are kept")
	assert.Equal(t, len(f.fake.calls), 0)
}
