/*
Package npmmirror is a tool for mirroring npm packages between Nexus
Repository Manager instances.

npmmirror copies every published version of a list of packages from an npm
repository on a source Nexus to an npm repository on a destination Nexus:
  - Package documents are cached locally and fetched only once
  - Tarballs are downloaded with a bounded number of concurrent requests
  - Uploads go through the Nexus components API, also bounded
  - Versions already present in the destination are detected and skipped
  - Local copies can be removed once a package has been uploaded

The main packages are:

	github.com/mirrorctl/npmmirror/internal/npm     - npm package document and name handling
	github.com/mirrorctl/npmmirror/internal/mirror  - Transfer orchestration, storage and configuration
	github.com/mirrorctl/npmmirror/cmd/npmmirror    - Command-line interface
*/
package npmmirror
