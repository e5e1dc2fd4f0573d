// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build debug

package main

import (
	"log"
	"net/http"
	_ "net/http/pprof"

	"github.com/arl/statsviz"
)

const debugAddr = "127.0.0.1:6060"

func init() {
	statsviz.RegisterDefault()

	go func() {
		log.Printf("debug server on http://%s/debug/statsviz/", debugAddr)

		if err := http.ListenAndServe(debugAddr, nil); err != nil {
			log.Printf("debug server error, %v", err)
		}
	}()
}
