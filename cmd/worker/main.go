// Copyright © 2020 Jonathan Whitaker <github@whitaker.io>.
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import "github.com/whitaker-io/cra/cmd/worker/cmd"

func main() {
	cmd.Execute()
}
