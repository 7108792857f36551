package dag

import (
	cnst "github.com/gentoo-inplace/gentoo-inplace/internal/constants"
	"github.com/gentoo-inplace/gentoo-inplace/pkg/state"
	"github.com/spectrocloud-labs/herd"
)

type step struct {
	name string
	add  func(*herd.Graph, ...herd.OpOption) error
}

// RegisterMigration registers the migration as a chain: every op hard depends on the previous one, so a
// failure stops everything after it and each layer of the graph holds a single op.
func RegisterMigration(s *state.State, g *herd.Graph) error {
	steps := []step{
		{cnst.OpPreflight, s.PreflightDagStep},
		{cnst.OpInstallHostTools, s.InstallHostToolsDagStep},
		{cnst.OpFetchStage3, s.FetchStage3DagStep},
		{cnst.OpVerifyStage3, s.VerifyStage3DagStep},
		{cnst.OpCreateStagedRoot, s.CreateStagedRootDagStep},
		{cnst.OpUnpackStage3, s.UnpackStage3DagStep},
		{cnst.OpDiscoverTopology, s.DiscoverTopologyDagStep},
		{cnst.OpTranslateCmdline, s.TranslateCmdlineDagStep},
		{cnst.OpTranslateNetwork, s.TranslateNetworkDagStep},
		{cnst.OpMountStagedRoot, s.MountStagedRootDagStep},
		{cnst.OpWriteFstab, s.WriteFstabDagStep},
		{cnst.OpConfigureTarget, s.ConfigureTargetDagStep},
		{cnst.OpInstallPackages, s.InstallPackagesDagStep},
		{cnst.OpEnableServices, s.EnableServicesDagStep},
		{cnst.OpInstallBootloader, s.InstallBootloaderDagStep},
		{cnst.OpUnmountStagedRoot, s.UnmountStagedRootDagStep},
		{cnst.OpConfirmSwap, s.ConfirmSwapDagStep},
		{cnst.OpSwapRoot, s.SwapRootDagStep},
		{cnst.OpRegenBootloader, s.RegenerateBootloaderDagStep},
		{cnst.OpRemoveStagedRoot, s.RemoveStagedRootDagStep},
		{cnst.OpSummary, s.SummaryDagStep},
	}

	for i, st := range steps {
		var opts []herd.OpOption
		if i > 0 {
			opts = append(opts, herd.WithDeps(steps[i-1].name))
		}
		if err := s.LogIfErrorAndReturn(st.add(g, opts...), st.name); err != nil {
			return err
		}
	}
	return nil
}

// Ops returns the op names of the migration in execution order.
func Ops() []string {
	return []string{
		cnst.OpPreflight, cnst.OpInstallHostTools, cnst.OpFetchStage3, cnst.OpVerifyStage3,
		cnst.OpCreateStagedRoot, cnst.OpUnpackStage3, cnst.OpDiscoverTopology, cnst.OpTranslateCmdline,
		cnst.OpTranslateNetwork, cnst.OpMountStagedRoot, cnst.OpWriteFstab, cnst.OpConfigureTarget,
		cnst.OpInstallPackages, cnst.OpEnableServices, cnst.OpInstallBootloader, cnst.OpUnmountStagedRoot,
		cnst.OpConfirmSwap, cnst.OpSwapRoot, cnst.OpRegenBootloader, cnst.OpRemoveStagedRoot, cnst.OpSummary,
	}
}
