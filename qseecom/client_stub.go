// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !(qseecom && linux && cgo)

package qseecom

type unsupportedClient struct{}

// NewClient returns a client which fails every call with [ErrUnsupported].
func NewClient() Client {
	return &unsupportedClient{}
}

func (c *unsupportedClient) StartApp(_ string, _ string, _ int) (App, error) {
	return nil, ErrUnsupported
}

func (c *unsupportedClient) StartAppImage(_ string, _ []byte, _ int) (App, error) {
	return nil, ErrUnsupported
}

func (c *unsupportedClient) SendModifiedCmd(app App, _ []byte, _ []byte, _ *FDInfo) error {
	if app == nil {
		return ErrNoApplication
	}

	return ErrUnsupported
}

func (c *unsupportedClient) ShutdownApp(app App) error {
	if app == nil {
		return ErrNoApplication
	}

	return ErrUnsupported
}
