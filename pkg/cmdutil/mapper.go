// Copyright (C) 2018 Alec Thomas
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package cmdutil

import (
	"fmt"
	"os"
	"reflect"

	"github.com/alecthomas/kong"
)

// WritableDirMapper is a kong mapper for flags that name a directory the
// process must be able to create files in (the LUN backing-store working
// directory). Unlike kong's built-in existingdir mapper it tolerates a
// directory that does not exist yet, since the device creates it on first
// use, but rejects a path that already exists as a non-directory.
func WritableDirMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		if target.Kind() != reflect.String {
			return fmt.Errorf(`"writabledir" type must be applied to a string not %s`, target.Type())
		}
		var path string
		if err := ctx.Scan.PopValueInto("dir", &path); err != nil {
			return err
		}
		if path != "" {
			path = kong.ExpandPath(path)
			if stat, err := os.Stat(path); err == nil && !stat.IsDir() {
				return fmt.Errorf("%q exists but is not a directory", path)
			} else if err != nil && !os.IsNotExist(err) {
				if os.IsPermission(err) {
					return fmt.Errorf("permission denied for directory %q", path)
				}
				return err
			}
		}
		target.SetString(path)
		return nil
	}
}
