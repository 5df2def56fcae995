// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package api

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestImageMaxScalesetSize(t *testing.T) {
	g := NewWithT(t)

	g.Expect(ImageMaxScalesetSize("Canonical:UbuntuServer:18.04-LTS:latest")).
		To(Equal(int64(MaxScalesetSizeMarketplace)))
	g.Expect(ImageMaxScalesetSize("/subscriptions/0000/resourceGroups/rg/providers/Microsoft.Compute/galleries/g/images/i")).
		To(Equal(int64(MaxScalesetSizeCustomImage)))
	// resource IDs match case-insensitively
	g.Expect(ImageMaxScalesetSize("/Subscriptions/0000/resourceGroups/rg/providers/Microsoft.Compute/images/i")).
		To(Equal(int64(MaxScalesetSizeCustomImage)))
}

func TestScalesetStateCanUpdate(t *testing.T) {
	g := NewWithT(t)

	g.Expect(ScalesetRunning.CanUpdate()).To(BeTrue())
	g.Expect(ScalesetResize.CanUpdate()).To(BeTrue())
	for _, state := range []ScalesetState{ScalesetInit, ScalesetSetup, ScalesetShutdown, ScalesetHalt, ScalesetCreationFailed} {
		g.Expect(state.CanUpdate()).To(BeFalse(), "%s", state)
	}
}
